package delegator

import (
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/rovercraft/fleetbridge/internal/artifact"
	"github.com/rovercraft/fleetbridge/internal/protocol"
)

// convertParts normalizes a worker's content parts for the transcript.
// Text and data pass through; file content is decoded and handed to the
// artifact store, replaced by a reference marker. Unrecognized kinds become
// a diagnostic placeholder rather than being dropped.
func convertParts(parts []protocol.Part, store *artifact.Store, log *slog.Logger) []any {
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		switch p.Kind {
		case protocol.PartKindText:
			out = append(out, p.Text)
		case protocol.PartKindData:
			out = append(out, p.Data)
		case protocol.PartKindFile:
			out = append(out, convertFilePart(p.File, store, log))
		default:
			out = append(out, fmt.Sprintf("Unknown type: %s", p.Kind))
		}
	}
	return out
}

func convertFilePart(f *protocol.FilePart, store *artifact.Store, log *slog.Logger) any {
	if f == nil {
		return "Unknown type: file"
	}
	if f.Bytes == "" {
		// Reference-only file part; pass the URI through.
		return map[string]any{"file-uri": f.URI, "name": f.Name}
	}
	content, err := base64.StdEncoding.DecodeString(f.Bytes)
	if err != nil {
		log.Warn("file part with undecodable content", "name", f.Name, "error", err)
		return fmt.Sprintf("Unreadable file part: %s", f.Name)
	}
	id, err := store.Save(f.Name, content)
	if err != nil {
		log.Error("store artifact", "name", f.Name, "error", err)
		return fmt.Sprintf("Unstorable file part: %s", f.Name)
	}
	return map[string]any{"artifact-file-id": id}
}
