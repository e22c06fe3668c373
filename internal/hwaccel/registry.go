package hwaccel

import (
	"slices"

	"github.com/smazurov/capturenode/internal/avlib"
)

// Accelerator describes a hardware decode backend.
type Accelerator struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// DefaultDevice is a hint shown to operators; empty lets the library choose.
	DefaultDevice string   `json:"default_device,omitempty"`
	Decoders      []string `json:"decoders,omitempty"`
}

// Status is an accelerator together with its availability in the loaded library.
type Status struct {
	Accelerator
	Available bool `json:"available"`
}

// Registry holds known accelerators in registration order.
type Registry struct {
	accels []Accelerator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds an accelerator. A later registration with the same name
// replaces the earlier one.
func (r *Registry) Register(a Accelerator) {
	if i := slices.IndexFunc(r.accels, func(x Accelerator) bool { return x.Name == a.Name }); i >= 0 {
		r.accels[i] = a
		return
	}
	r.accels = append(r.accels, a)
}

// Find returns the accelerator with name.
func (r *Registry) Find(name string) (Accelerator, bool) {
	for _, a := range r.accels {
		if a.Name == name {
			return a, true
		}
	}
	return Accelerator{}, false
}

// All returns every registered accelerator.
func (r *Registry) All() []Accelerator {
	return slices.Clone(r.accels)
}

// Statuses reports which accelerators lib was built with.
func (r *Registry) Statuses(lib avlib.Library) []Status {
	out := make([]Status, 0, len(r.accels))
	for _, a := range r.accels {
		out = append(out, Status{
			Accelerator: a,
			Available:   lib.FindHardwareDeviceType(a.Name) != avlib.DeviceTypeNone,
		})
	}
	return out
}

// Known returns a registry with the accelerators libav supports on the
// platforms capture nodes run on.
func Known() *Registry {
	r := NewRegistry()
	r.Register(Accelerator{
		Name:          "vaapi",
		Description:   "VAAPI (Video Acceleration API) - Intel/AMD hardware acceleration on Linux",
		DefaultDevice: "/dev/dri/renderD128",
	})
	r.Register(Accelerator{
		Name:          "qsv",
		Description:   "Intel Quick Sync Video",
		DefaultDevice: "/dev/dri/renderD128",
		Decoders:      []string{"h264_qsv", "hevc_qsv", "av1_qsv"},
	})
	r.Register(Accelerator{
		Name:        "cuda",
		Description: "NVIDIA CUDA / NVDEC",
		Decoders:    []string{"h264_cuvid", "hevc_cuvid", "av1_cuvid"},
	})
	r.Register(Accelerator{
		Name:          "drm",
		Description:   "DRM PRIME - Rockchip and other V4L2 request API decoders",
		DefaultDevice: "/dev/dri/card0",
		Decoders:      []string{"h264_rkmpp", "hevc_rkmpp"},
	})
	r.Register(Accelerator{
		Name:        "vdpau",
		Description: "VDPAU - legacy NVIDIA/AMD decode on X11",
	})
	r.Register(Accelerator{
		Name:        "vulkan",
		Description: "Vulkan Video - cross-vendor GPU decode",
	})
	r.Register(Accelerator{
		Name:        "videotoolbox",
		Description: "Apple VideoToolbox - macOS hardware decode",
	})
	return r
}
