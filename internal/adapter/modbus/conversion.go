// Package modbus provides data type conversion utilities for Modbus communication.
package modbus

import (
	"encoding/binary"
	"fmt"

	"github.com/06benste/FoxEss-PVOutput/internal/domain"
)

// bytesToWords splits a big-endian register payload into 16-bit words.
func bytesToWords(data []byte) ([]uint16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd payload length %d", domain.ErrInvalidResponse, len(data))
	}
	words := make([]uint16, len(data)/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return words, nil
}

// DecodeRaw merges one word, or two words high-first, into an integer.
// Signed values are sign-extended over the combined width.
func DecodeRaw(words []uint16, signed bool) (int64, error) {
	switch len(words) {
	case 1:
		if signed {
			return int64(int16(words[0])), nil
		}
		return int64(words[0]), nil
	case 2:
		combined := uint32(words[0])<<16 | uint32(words[1])
		if signed {
			return int64(int32(combined)), nil
		}
		return int64(combined), nil
	default:
		return 0, fmt.Errorf("%w: expected 1 or 2 words, got %d", domain.ErrInvalidResponse, len(words))
	}
}

// ApplyScale multiplies v by scale when one is given.
func ApplyScale(v int64, scale *float64) float64 {
	if scale == nil {
		return float64(v)
	}
	return float64(v) * *scale
}

// DecodeEntry turns the words read for a raw entry into its scaled value.
func DecodeEntry(entry domain.RegisterEntry, words []uint16) (float64, error) {
	if len(words) != len(entry.Addresses) {
		return 0, fmt.Errorf("%w: %q expects %d words, got %d",
			domain.ErrInvalidResponse, entry.Key, len(entry.Addresses), len(words))
	}
	v, err := DecodeRaw(words, entry.Signed)
	if err != nil {
		return 0, err
	}
	return ApplyScale(v, entry.Scale), nil
}
