package volume

import (
	"fmt"

	"github.com/DmitriyVTitov/size"
	"github.com/dustin/go-humanize"
)

// Describe returns a short human readable summary including approximate memory use.
func (v *Volume) Describe() string {
	return fmt.Sprintf("%s (%s)", v, humanize.Bytes(uint64(size.Of(v))))
}
