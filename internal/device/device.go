// Package device picks the compute target used for inference.
package device

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/jaypipes/ghw"
	"github.com/klauspost/cpuid/v2"
)

// ID names a compute device understood by the engine
type ID string

const (
	Auto ID = "auto"
	CUDA ID = "cuda"
	MPS  ID = "mps"
	CPU  ID = "cpu"
)

// ErrUnknown is returned by Parse for names outside auto, cuda, mps and cpu
var ErrUnknown = errors.New("unknown device")

// priority is the order accelerators are tried in when no usable preference is given
var priority = []ID{CUDA, MPS, CPU}

// Availability describes what the host can run on
type Availability struct {
	CUDA        bool     `json:"cuda_available"`
	CUDACount   int      `json:"cuda_device_count"`
	CUDADevices []string `json:"cuda_devices,omitempty"`
	MPS         bool     `json:"mps_available"`
	CPUCount    int      `json:"cpu_count"`
	CPUBrand    string   `json:"cpu_brand,omitempty"`
}

// Has reports whether the given device can be used. CPU is always usable.
func (a Availability) Has(id ID) bool {
	switch id {
	case CUDA:
		return a.CUDA
	case MPS:
		return a.MPS
	case CPU:
		return true
	}
	return false
}

// Parse normalises a device preference string. An empty string means Auto.
func Parse(s string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(s)))
	switch id {
	case "":
		return Auto, nil
	case Auto, CUDA, MPS, CPU:
		return id, nil
	}
	return "", fmt.Errorf("%w %q (must be one of auto, cuda, mps, cpu)", ErrUnknown, s)
}

// Select returns the device to run on. An available preference wins,
// otherwise the first available device in priority order is used.
func Select(pref ID, avail Availability) ID {
	if pref != Auto && avail.Has(pref) {
		return pref
	}
	for _, id := range priority {
		if avail.Has(id) {
			return id
		}
	}
	return CPU
}

// ProbeOptions hides accelerators that are physically present
type ProbeOptions struct {
	DisableCUDA bool
	DisableMPS  bool
}

// Prober inspects the host once and caches the answer
type Prober struct {
	opts  ProbeOptions
	once  sync.Once
	avail Availability
}

// NewProber creates a prober with the given visibility options
func NewProber(opts ProbeOptions) *Prober {
	return &Prober{opts: opts}
}

// Availability returns the host's devices, probing on first use
func (p *Prober) Availability() Availability {
	p.once.Do(func() {
		p.avail = probe(p.opts)
	})
	return p.avail
}

func probe(opts ProbeOptions) Availability {
	avail := Availability{
		CPUCount: cpuid.CPU.LogicalCores,
		CPUBrand: strings.TrimSpace(cpuid.CPU.BrandName),
	}
	if avail.CPUCount == 0 {
		avail.CPUCount = runtime.NumCPU()
	}

	if !opts.DisableCUDA {
		avail.CUDADevices = nvidiaCards()
		avail.CUDACount = len(avail.CUDADevices)
		avail.CUDA = avail.CUDACount > 0
	}

	// Apple silicon exposes its GPU through unified memory
	if !opts.DisableMPS && runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		avail.MPS = true
	}

	return avail
}

func nvidiaCards() []string {
	info, err := ghw.GPU()
	if err != nil || info == nil {
		return nil
	}

	var names []string
	for _, card := range info.GraphicsCards {
		if card == nil || card.DeviceInfo == nil || card.DeviceInfo.Vendor == nil {
			continue
		}
		if !strings.Contains(strings.ToUpper(card.DeviceInfo.Vendor.Name), "NVIDIA") {
			continue
		}
		name := "NVIDIA GPU"
		if card.DeviceInfo.Product != nil && card.DeviceInfo.Product.Name != "" {
			name = card.DeviceInfo.Product.Name
		}
		names = append(names, name)
	}
	return names
}
