package scene

import (
	"errors"
	"fmt"
)

// Map raster channels in storage order.
const (
	ChannelDrivable = iota
	ChannelPedCrossing
	ChannelWalkway
	ChannelDistance
	ChannelCarpark
	ChannelLane
	ChannelLaneDivider
	ChannelOrientation

	NumChannels
)

// DefaultMapSize is the raster side in pixels at 0.25 m per pixel.
const DefaultMapSize = 320

// ErrMapShape is returned when raster data does not match its declared size.
var ErrMapShape = errors.New("map raster has wrong shape")

// Map is a channel-major (C, Size, Size) float32 raster centred on the ego
// vehicle. Row 0 is the top (positive y), column 0 is the left (negative x).
type Map struct {
	Size int
	Data []float32
}

// NewMap allocates an all-zero raster.
func NewMap(size int) *Map {
	return &Map{Size: size, Data: make([]float32, NumChannels*size*size)}
}

// Validate checks that Data holds exactly NumChannels*Size*Size values.
func (m *Map) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil map", ErrMapShape)
	}
	if m.Size <= 0 || len(m.Data) != NumChannels*m.Size*m.Size {
		return fmt.Errorf("%w: size %d with %d values", ErrMapShape, m.Size, len(m.Data))
	}
	return nil
}

// Channel returns the slice backing one channel. It aliases Data.
func (m *Map) Channel(c int) []float32 {
	n := m.Size * m.Size
	return m.Data[c*n : (c+1)*n]
}

// At returns the value of channel c at (row, col).
func (m *Map) At(c, row, col int) float32 {
	return m.Data[(c*m.Size+row)*m.Size+col]
}

// Set writes the value of channel c at (row, col).
func (m *Map) Set(c, row, col int, v float32) {
	m.Data[(c*m.Size+row)*m.Size+col] = v
}

// Occupancy returns the area where agents of category c may be placed, as
// float64 in row-major order. Vehicles use the drivable area; pedestrians
// and bicyclists use pedestrian crossings plus walkways, saturated at one.
func (m *Map) Occupancy(c Category) []float64 {
	n := m.Size * m.Size
	out := make([]float64, n)
	switch c {
	case Vehicle:
		for i, v := range m.Channel(ChannelDrivable) {
			out[i] = float64(v)
		}
	case Pedestrian, Bicyclist:
		crossing := m.Channel(ChannelPedCrossing)
		walkway := m.Channel(ChannelWalkway)
		for i := range out {
			out[i] = min(float64(crossing[i])+float64(walkway[i]), 1)
		}
	}
	return out
}

// HWC returns the raster transposed to (Size, Size, C), the layout used by
// the convolutional feature extractor.
func (m *Map) HWC() []float32 {
	n := m.Size * m.Size
	out := make([]float32, len(m.Data))
	for c := 0; c < NumChannels; c++ {
		src := m.Data[c*n : (c+1)*n]
		for i, v := range src {
			out[i*NumChannels+c] = v
		}
	}
	return out
}

// Clone returns a deep copy.
func (m *Map) Clone() *Map {
	out := &Map{Size: m.Size, Data: make([]float32, len(m.Data))}
	copy(out.Data, m.Data)
	return out
}
