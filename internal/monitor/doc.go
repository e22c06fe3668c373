// Package monitor runs capture sessions for named monitors.
//
// Pool manages one goroutine per monitor. Each goroutine owns a
// capture.Session and its interrupt controller and loops:
//   - Prime the session, retrying with exponential backoff on failure
//   - Capture packets and hand them to the configured sink
//   - Re-prime after a read failure (end of stream, transport error)
//
// Stop cancels the session's controller so blocked library calls return
// promptly, then waits for the goroutine to exit.
//
// Example usage:
//
//	pool := monitor.NewPool(&monitor.PoolOptions{
//	    Library: astiavlib.New(),
//	    ConfigProvider: func(id string) (capture.Config, error) {
//	        return monitors.Capture(id)
//	    },
//	    Signal: sig,
//	})
//	pool.Start("front-door")
//	defer pool.StopAll()
package monitor
