// Package quota compares a user's ledger against static limits and records
// consumption after a gated operation succeeds.
package quota

const megabyte = 1024 * 1024

// Limits are the per-user and per-knowledge-base caps.
type Limits struct {
	KnowledgeBasesPerUser int   `yaml:"knowledgeBasesPerUser"`
	FilesPerKnowledgeBase int   `yaml:"filesPerKnowledgeBase"`
	MaxFileSizeBytes      int64 `yaml:"maxFileSizeBytes"`
	MaxStorageBytes       int64 `yaml:"maxStorageBytes"`
	DailyQueries          int   `yaml:"dailyQueries"`
	MaxPDFPages           int   `yaml:"maxPdfPages"`
}

func DefaultLimits() Limits {
	return Limits{
		KnowledgeBasesPerUser: 5,
		FilesPerKnowledgeBase: 10,
		MaxFileSizeBytes:      10 * megabyte,
		MaxStorageBytes:       100 * megabyte,
		DailyQueries:          100,
		MaxPDFPages:           200,
	}
}

// WithDefaults fills zero fields from DefaultLimits.
func (l Limits) WithDefaults() Limits {
	def := DefaultLimits()
	if l.KnowledgeBasesPerUser <= 0 {
		l.KnowledgeBasesPerUser = def.KnowledgeBasesPerUser
	}
	if l.FilesPerKnowledgeBase <= 0 {
		l.FilesPerKnowledgeBase = def.FilesPerKnowledgeBase
	}
	if l.MaxFileSizeBytes <= 0 {
		l.MaxFileSizeBytes = def.MaxFileSizeBytes
	}
	if l.MaxStorageBytes <= 0 {
		l.MaxStorageBytes = def.MaxStorageBytes
	}
	if l.DailyQueries <= 0 {
		l.DailyQueries = def.DailyQueries
	}
	if l.MaxPDFPages <= 0 {
		l.MaxPDFPages = def.MaxPDFPages
	}
	return l
}

// MaxFileSizeMB is the file size cap in whole megabytes.
func (l Limits) MaxFileSizeMB() int64 { return l.MaxFileSizeBytes / megabyte }

// MaxStorageMB is the storage cap in whole megabytes.
func (l Limits) MaxStorageMB() int64 { return l.MaxStorageBytes / megabyte }
