package storage

import "testing"

func TestCalculateOptimalPartSize(t *testing.T) {
	const mb = 1024 * 1024

	tests := []struct {
		name         string
		fileSize     int64
		wantPartSize int64
		wantCount    int64
		wantLast     int64
	}{
		{
			name:         "small file clamps to minimum",
			fileSize:     12 * mb,
			wantPartSize: 5 * mb,
			wantCount:    3,
			wantLast:     2 * mb,
		},
		{
			name:         "exact multiple keeps full last part",
			fileSize:     15 * mb,
			wantPartSize: 5 * mb,
			wantCount:    3,
			wantLast:     5 * mb,
		},
		{
			name:         "single part",
			fileSize:     3 * mb,
			wantPartSize: 5 * mb,
			wantCount:    1,
			wantLast:     3 * mb,
		},
		{
			name:         "huge file clamps to maximum",
			fileSize:     2 * 1024 * 1024 * mb, // 2 TB
			wantPartSize: 100 * mb,
			wantCount:    20972, // ceil(2TB / 100MB)
			wantLast:     2*1024*1024*mb - 20971*100*mb,
		},
		{
			name:         "ten thousand parts boundary",
			fileSize:     10000 * 5 * mb,
			wantPartSize: 5 * mb,
			wantCount:    10000,
			wantLast:     5 * mb,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := CalculateOptimalPartSize(tt.fileSize, nil)
			if plan.PartSize != tt.wantPartSize {
				t.Errorf("PartSize = %d, want %d", plan.PartSize, tt.wantPartSize)
			}
			if plan.PartCount != tt.wantCount {
				t.Errorf("PartCount = %d, want %d", plan.PartCount, tt.wantCount)
			}
			if plan.LastPartSize != tt.wantLast {
				t.Errorf("LastPartSize = %d, want %d", plan.LastPartSize, tt.wantLast)
			}
		})
	}
}

func TestCalculateOptimalPartSizeZero(t *testing.T) {
	plan := CalculateOptimalPartSize(0, nil)
	if plan.PartCount != 0 {
		t.Errorf("PartCount = %d, want 0", plan.PartCount)
	}
	if plan.PartSize != MinPartSize {
		t.Errorf("PartSize = %d, want %d", plan.PartSize, int64(MinPartSize))
	}
}

func TestCalculateOptimalPartSizeCustomBounds(t *testing.T) {
	plan := CalculateOptimalPartSize(100, &PartSizeOptions{
		MinPartSize: 10,
		MaxPartSize: 25,
		MaxParts:    100,
	})
	if plan.PartSize != 10 {
		t.Errorf("PartSize = %d, want 10", plan.PartSize)
	}
	if plan.PartCount != 10 {
		t.Errorf("PartCount = %d, want 10", plan.PartCount)
	}
}

func TestCheckPathConflict(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		dst     string
		wantErr error
	}{
		{"distinct paths", "/a/b", "/a/c", nil},
		{"same path", "/a/b", "/a/b", ErrSamePath},
		{"same path trailing slash", "/a/b/", "/a/b", ErrSamePath},
		{"destination inside source", "/a", "/a/b", ErrDestInsideSource},
		{"shared prefix is fine", "/ab", "/abc", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPathConflict(tt.src, tt.dst)
			if err != tt.wantErr {
				t.Errorf("CheckPathConflict(%q, %q) = %v, want %v", tt.src, tt.dst, err, tt.wantErr)
			}
		})
	}
}
