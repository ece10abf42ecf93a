package msg

import "log/slog"

// IsValidBoundary reports whether a message is a well-formed compaction
// boundary: the flag set, a recognized compacted marker, and a positive
// integer epoch. Malformed boundary rows are ignored by the read path so a
// corrupted summary can never wedge history slicing.
func IsValidBoundary(m *Message) bool {
	md := &m.Metadata
	return md.CompactionBoundary && md.Compacted.Valid() && md.CompactionEpoch >= 1
}

// SliceFromLatestBoundary returns the tail of msgs starting at (and
// including) the newest valid compaction boundary. With no valid boundary
// the full slice is returned.
func SliceFromLatestBoundary(msgs []*Message) []*Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Metadata.CompactionBoundary {
			if IsValidBoundary(msgs[i]) {
				return msgs[i:]
			}
			slog.Warn("history.malformed_boundary_skipped",
				"id", msgs[i].ID,
				"epoch", msgs[i].Metadata.CompactionEpoch,
				"compacted", string(msgs[i].Metadata.Compacted))
		}
	}
	return msgs
}

// NextCompactionEpoch computes the epoch for a new boundary: one past the
// highest cursor observed so far. Summaries with a valid epoch advance the
// cursor to that epoch; legacy summaries written before epochs existed
// advance it by one.
func NextCompactionEpoch(msgs []*Message) int {
	cursor := 0
	for _, m := range msgs {
		if !m.Metadata.CompactionBoundary && m.MuxType() != MuxCompactionSummary {
			continue
		}
		if !m.Metadata.Compacted.Valid() && !m.Metadata.CompactionBoundary {
			continue
		}
		if epoch := m.Metadata.CompactionEpoch; epoch >= 1 {
			if epoch > cursor {
				cursor = epoch
			}
		} else {
			cursor++
		}
	}
	return cursor + 1
}
