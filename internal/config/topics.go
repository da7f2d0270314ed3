package config

const (
	// TopicIngestDocument carries ingest.Task payloads from the API to ingest workers.
	TopicIngestDocument = "ingest.document"

	// ChannelIngestWorker is the NSQ channel shared by all ingest workers.
	ChannelIngestWorker = "ingest-worker"
)
