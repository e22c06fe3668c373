package monitor

import (
	"errors"
	"fmt"

	"github.com/smazurov/capturenode/internal/config"
)

// Reconcile applies a monitors file change to p: removed monitors are
// stopped, changed ones restarted and added ones started. Every ID is
// attempted; failures are joined.
func Reconcile(p Pool, diff config.MonitorsDiff) error {
	var errs []error
	for _, id := range diff.Removed {
		if err := p.Stop(id); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", id, err))
		}
	}
	for _, id := range diff.Changed {
		if err := p.Restart(id); err != nil {
			errs = append(errs, fmt.Errorf("restart %s: %w", id, err))
		}
	}
	for _, id := range diff.Added {
		if err := p.Start(id); err != nil {
			errs = append(errs, fmt.Errorf("start %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
