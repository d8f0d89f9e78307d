package recovery

import "testing"

func TestValidateOffsets(t *testing.T) {
	cases := []struct {
		name     string
		earliest int64
		latest   int64
		start    int64
		end      int64
		want     *PartitionOffsets
	}{
		{
			name:     "entirely inside",
			earliest: 100, latest: 900, start: 200, end: 300,
			want: &PartitionOffsets{StartOffset: 200, EndOffset: 300},
		},
		{
			name:     "overlaps beginning",
			earliest: 100, latest: 900, start: 50, end: 300,
			want: &PartitionOffsets{StartOffset: 100, EndOffset: 300},
		},
		{
			name:     "entirely before",
			earliest: 100, latest: 900, start: 1, end: 50,
			want: nil,
		},
		{
			name:     "entirely after",
			earliest: 100, latest: 900, start: 1000, end: 5000,
			want: nil,
		},
		{
			name:     "overlaps end",
			earliest: 100, latest: 900, start: 800, end: 1000,
			want: &PartitionOffsets{StartOffset: 800, EndOffset: 900},
		},
		{
			name:     "exact bounds classify as inside",
			earliest: 100, latest: 900, start: 100, end: 900,
			want: &PartitionOffsets{StartOffset: 100, EndOffset: 900},
		},
		{
			name:     "ends one before earliest",
			earliest: 100, latest: 900, start: 1, end: 99,
			want: nil,
		},
		{
			name:     "starts one after latest",
			earliest: 100, latest: 900, start: 901, end: 950,
			want: nil,
		},
		{
			name:     "single offset inside",
			earliest: 100, latest: 900, start: 500, end: 500,
			want: &PartitionOffsets{StartOffset: 500, EndOffset: 500},
		},
		{
			name:     "spans entire retained range and beyond",
			earliest: 100, latest: 900, start: 100, end: 1000,
			want: &PartitionOffsets{StartOffset: 100, EndOffset: 900},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ValidateOffsets(tc.earliest, tc.latest, tc.start, tc.end)

			if tc.want == nil {
				if got != nil {
					t.Fatalf("expected nil, got %+v", got)
				}
				return
			}
			if got == nil {
				t.Fatalf("expected %+v, got nil", tc.want)
			}
			if *got != *tc.want {
				t.Errorf("expected %+v, got %+v", tc.want, got)
			}
		})
	}
}

// The validator must be pure: equal inputs always give equal outputs.
func TestValidateOffsets_Deterministic(t *testing.T) {
	for i := 0; i < 10; i++ {
		a := ValidateOffsets(100, 900, 50, 300)
		b := ValidateOffsets(100, 900, 50, 300)
		if a == nil || b == nil || *a != *b {
			t.Fatalf("validator not deterministic: %+v vs %+v", a, b)
		}
	}
}
