package apihttp

import (
	"errors"
	"testing"
)

func TestParseByteRange(t *testing.T) {
	const size = 1000

	cases := []struct {
		name      string
		header    string
		wantStart int64
		wantEnd   int64
		wantErr   error
	}{
		{"full interval", "bytes=0-499", 0, 499, nil},
		{"open ended", "bytes=500-", 500, 999, nil},
		{"suffix", "bytes=-200", 800, 999, nil},
		{"end clamped to size", "bytes=900-5000", 900, 999, nil},
		{"suffix larger than file", "bytes=-5000", 0, 999, nil},
		{"single byte", "bytes=42-42", 42, 42, nil},
		{"whitespace tolerated", " bytes=0-10 ", 0, 10, nil},
		{"missing prefix", "0-499", 0, 0, errInvalidRange},
		{"multi range", "bytes=0-10,20-30", 0, 0, errInvalidRange},
		{"inverted", "bytes=500-400", 0, 0, errInvalidRange},
		{"empty spec", "bytes=", 0, 0, errInvalidRange},
		{"bare dash", "bytes=-", 0, 0, errInvalidRange},
		{"negative start", "bytes=-0", 0, 0, errInvalidRange},
		{"start past end of file", "bytes=1000-", 0, 0, errRangeNotSatisfiable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start, end, err := parseByteRange(tc.header, size)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("parseByteRange(%q) error = %v, want %v", tc.header, err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseByteRange(%q) unexpected error: %v", tc.header, err)
			}
			if start != tc.wantStart || end != tc.wantEnd {
				t.Fatalf("parseByteRange(%q) = (%d, %d), want (%d, %d)",
					tc.header, start, end, tc.wantStart, tc.wantEnd)
			}
		})
	}

	t.Run("empty file never satisfiable", func(t *testing.T) {
		if _, _, err := parseByteRange("bytes=0-10", 0); !errors.Is(err, errRangeNotSatisfiable) {
			t.Fatalf("error = %v, want errRangeNotSatisfiable", err)
		}
	})
}
