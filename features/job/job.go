package job

import (
	"encoding/json"
	"time"
)

// HandlerIngest names the component that produced a failed ingestion job.
const HandlerIngest = "ingest-orchestrator"

type Job struct {
	ID         string          `json:"id"`
	DocumentID string          `json:"document_id"`
	OwnerID    string          `json:"owner_id"`
	Handler    string          `json:"handler"`
	Payload    json.RawMessage `json:"payload"`
	Error      string          `json:"error"`
	Retries    int             `json:"retries"`
	CreatedAt  time.Time       `json:"created_at"`
}
