package store

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"dimatch/internal/features"
	"dimatch/internal/imageio"
)

// Blob layouts use protobuf wire encoding without a schema:
//
//	features: 1 kind, 2 keypoint (repeated), 3 descriptor dim, 4 packed fixed32 descriptors
//	keypoint: 1 x, 2 y, 3 scale, 4 angle, 5 score (fixed64 doubles)
//	matches:  1 match (repeated)
//	match:    1 a, 2 b (varint), 3 score (fixed64)
//	image:    1 id, 2 name, 3 path, 4 width, 5 height

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func encodeFeatures(f features.Features) []byte {
	var b []byte
	b = appendUint(b, 1, uint64(f.Kind))
	for _, kp := range f.Keypoints {
		var m []byte
		m = appendDouble(m, 1, kp.X)
		m = appendDouble(m, 2, kp.Y)
		m = appendDouble(m, 3, kp.Scale)
		m = appendDouble(m, 4, kp.Angle)
		m = appendDouble(m, 5, kp.Score)
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	if len(f.Descriptors) > 0 {
		dim := len(f.Descriptors[0])
		b = appendUint(b, 3, uint64(dim))
		packed := make([]byte, 0, 4*dim*len(f.Descriptors))
		for _, d := range f.Descriptors {
			for _, v := range d {
				packed = protowire.AppendFixed32(packed, math.Float32bits(v))
			}
		}
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return b
}

func decodeFeatures(b []byte) (features.Features, error) {
	var (
		f      features.Features
		dim    int
		packed []byte
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			f.Kind = features.DescriptorKind(v)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			m, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			kp, err := decodeKeypoint(m)
			f.Keypoints = append(f.Keypoints, kp)
			return n, err
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			dim = int(v)
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			packed = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return features.Features{}, err
	}
	if dim > 0 {
		if len(packed) != 4*dim*len(f.Keypoints) {
			return features.Features{}, fmt.Errorf("store: descriptor block has %d bytes for %d x %d", len(packed), len(f.Keypoints), dim)
		}
		f.Descriptors = make([][]float32, len(f.Keypoints))
		for i := range f.Descriptors {
			row := make([]float32, dim)
			for k := range row {
				v, n := protowire.ConsumeFixed32(packed)
				row[k] = math.Float32frombits(v)
				packed = packed[n:]
			}
			f.Descriptors[i] = row
		}
	}
	return f, nil
}

func decodeKeypoint(b []byte) (features.Keypoint, error) {
	var kp features.Keypoint
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.Fixed64Type {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeFixed64(b)
		d := math.Float64frombits(v)
		switch num {
		case 1:
			kp.X = d
		case 2:
			kp.Y = d
		case 3:
			kp.Scale = d
		case 4:
			kp.Angle = d
		case 5:
			kp.Score = d
		}
		return n, nil
	})
	return kp, err
}

// encodeMatches never returns nil; an empty set is stored as a zero-length
// blob, not NULL.
func encodeMatches(ms []features.Match) []byte {
	b := []byte{}
	for _, mt := range ms {
		var m []byte
		m = appendUint(m, 1, uint64(mt.A))
		m = appendUint(m, 2, uint64(mt.B))
		m = appendDouble(m, 3, mt.Score)
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

func decodeMatches(b []byte) ([]features.Match, error) {
	out := []features.Match{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 || typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		m, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		var mt features.Match
		err := walk(m, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch {
			case num == 1 && typ == protowire.VarintType:
				v, n := protowire.ConsumeVarint(b)
				mt.A = int(v)
				return n, nil
			case num == 2 && typ == protowire.VarintType:
				v, n := protowire.ConsumeVarint(b)
				mt.B = int(v)
				return n, nil
			case num == 3 && typ == protowire.Fixed64Type:
				v, n := protowire.ConsumeFixed64(b)
				mt.Score = math.Float64frombits(v)
				return n, nil
			}
			return protowire.ConsumeFieldValue(num, typ, b), nil
		})
		out = append(out, mt)
		return n, err
	})
	return out, err
}

func encodeImage(im imageio.Image) []byte {
	var b []byte
	b = appendUint(b, 1, uint64(im.ID))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, im.Name)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, im.Path)
	b = appendUint(b, 4, uint64(im.Width))
	b = appendUint(b, 5, uint64(im.Height))
	return b
}

func decodeImage(b []byte) (imageio.Image, error) {
	var im imageio.Image
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case typ == protowire.VarintType && (num == 1 || num == 4 || num == 5):
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case 1:
				im.ID = int(v)
			case 4:
				im.Width = int(v)
			case 5:
				im.Height = int(v)
			}
			return n, nil
		case typ == protowire.BytesType && (num == 2 || num == 3):
			s, n := protowire.ConsumeString(b)
			if num == 2 {
				im.Name = s
			} else {
				im.Path = s
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return im, err
}

// walk calls fn for every field of b. fn returns the number of bytes it
// consumed after the tag, or a negative protowire error code.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("store: corrupt blob: %w", protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("store: corrupt blob: %w", protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}
