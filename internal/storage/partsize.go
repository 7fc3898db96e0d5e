package storage

// Multipart sizing bounds. S3-compatible stores require parts of at least
// 5MB (except the last) and at most 10000 parts per upload.
const (
	MinPartSize       = 5 * 1024 * 1024
	MaxPartSize       = 100 * 1024 * 1024
	MaxPartsPerUpload = 10000
)

// PartSizeOptions overrides the default multipart sizing bounds.
type PartSizeOptions struct {
	MinPartSize int64
	MaxPartSize int64
	MaxParts    int64
}

// PartSizePlan is the sizing result for one multipart upload.
type PartSizePlan struct {
	PartSize     int64
	PartCount    int64
	LastPartSize int64
}

// CalculateOptimalPartSize picks a part size for a file of the given size:
// ceil(fileSize/maxParts) clamped into [min, max]. The last part carries the
// remainder, or a full part when the size divides evenly.
func CalculateOptimalPartSize(fileSize int64, opts *PartSizeOptions) PartSizePlan {
	minSize := int64(MinPartSize)
	maxSize := int64(MaxPartSize)
	maxParts := int64(MaxPartsPerUpload)
	if opts != nil {
		if opts.MinPartSize > 0 {
			minSize = opts.MinPartSize
		}
		if opts.MaxPartSize > 0 {
			maxSize = opts.MaxPartSize
		}
		if opts.MaxParts > 0 {
			maxParts = opts.MaxParts
		}
	}

	partSize := (fileSize + maxParts - 1) / maxParts
	if partSize < minSize {
		partSize = minSize
	}
	if partSize > maxSize {
		partSize = maxSize
	}

	if fileSize <= 0 {
		return PartSizePlan{PartSize: partSize, PartCount: 0, LastPartSize: 0}
	}

	partCount := (fileSize + partSize - 1) / partSize
	lastPartSize := fileSize % partSize
	if lastPartSize == 0 {
		lastPartSize = partSize
	}

	return PartSizePlan{PartSize: partSize, PartCount: partCount, LastPartSize: lastPartSize}
}
