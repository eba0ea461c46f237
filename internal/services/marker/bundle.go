package marker

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const BundleVersion = 1

// Bundle is the binary tracking artifact. Targets[i] describes the i-th
// image given to Compile, so its index doubles as the item's targetIndex.
type Bundle struct {
	Version int      `msgpack:"v"`
	Targets []Target `msgpack:"dataList"`
}

type Target struct {
	TargetIndex  int             `msgpack:"targetIndex"`
	Width        int             `msgpack:"width"`
	Height       int             `msgpack:"height"`
	TrackingData []TrackingImage `msgpack:"trackingData"`
	MatchingData []MatchingLevel `msgpack:"matchingData"`
}

// TrackingImage is a small grayscale copy of the target with the corners
// the runtime follows frame to frame once the target is found.
type TrackingImage struct {
	Width  int     `msgpack:"width"`
	Height int     `msgpack:"height"`
	Scale  float32 `msgpack:"scale"`
	Data   []byte  `msgpack:"data"`
	Points []Point `msgpack:"points"`
}

type Point struct {
	X float32 `msgpack:"x"`
	Y float32 `msgpack:"y"`
}

// MatchingLevel holds the descriptors of one pyramid level, split by the
// polarity of the extremum.
type MatchingLevel struct {
	Width        int            `msgpack:"width"`
	Height       int            `msgpack:"height"`
	Scale        float32        `msgpack:"scale"`
	MaximaPoints []FeaturePoint `msgpack:"maximaPoints"`
	MinimaPoints []FeaturePoint `msgpack:"minimaPoints"`
}

// FeaturePoint coordinates are in pixels of the full-size target image.
type FeaturePoint struct {
	X           float32  `msgpack:"x"`
	Y           float32  `msgpack:"y"`
	Scale       float32  `msgpack:"scale"`
	Angle       float32  `msgpack:"angle"`
	Descriptors []uint32 `msgpack:"descriptors"`
}

func (t Target) KeyPoints() int {
	n := 0
	for _, lvl := range t.MatchingData {
		n += len(lvl.MaximaPoints) + len(lvl.MinimaPoints)
	}
	return n
}

func Encode(b *Bundle) ([]byte, error) {
	data, err := msgpack.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bundle: %w", err)
	}
	return data, nil
}

func Decode(data []byte) (*Bundle, error) {
	var b Bundle
	if err := msgpack.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to decode bundle: %w", err)
	}
	if b.Version != BundleVersion {
		return nil, fmt.Errorf("unsupported bundle version %d", b.Version)
	}
	return &b, nil
}
