package core

import (
	"time"

	"github.com/reconlab/pipeline/internal/sniff"
	"github.com/reconlab/pipeline/internal/tabular"
)

// Upload is a validated, parsed spreadsheet held in the registry until it is
// executed against or expires. The raw bytes are discarded once validation
// completes; only the parsed table survives.
type Upload struct {
	ID        string          `json:"id"`
	Filename  string          `json:"filename"`
	Verdict   sniff.Verdict   `json:"verdict"`
	Table     *tabular.Table  `json:"-"`
	Summary   tabular.Summary `json:"summary"`
	CreatedAt time.Time       `json:"created_at"`
}

// Rejection is the terminal failure of an upload, carrying the verdict so
// callers can show the specific reason and any security flag. There is no
// retry path for a rejected upload.
type Rejection struct {
	Verdict sniff.Verdict `json:"verdict"`
	Message string        `json:"message"`
}

func (r *Rejection) Error() string {
	if r.Message != "" {
		return r.Message
	}
	return "upload rejected: " + string(r.Verdict.Kind)
}
