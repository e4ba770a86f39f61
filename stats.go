package elfinject

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Stats reports what one emission produced.
type Stats struct {
	// InputSize and OutputSize are the file sizes before and after
	// emission.
	InputSize  int64
	OutputSize int64

	// PhysicalBytes is the total on-disk size of the trampoline
	// blobs; VirtualBytes is the total address space their mappings
	// cover. Sparse mappings make the latter smaller, since holes are
	// not mapped; merged mappings make it larger, since they share one
	// blob.
	PhysicalBytes int64
	VirtualBytes  int64
}

func (s Stats) String() string {
	return fmt.Sprintf("input %s, output %s, physical %s, virtual %s",
		humanize.IBytes(uint64(s.InputSize)),
		humanize.IBytes(uint64(s.OutputSize)),
		humanize.IBytes(uint64(s.PhysicalBytes)),
		humanize.IBytes(uint64(s.VirtualBytes)))
}
