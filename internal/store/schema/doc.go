// Package schema defines the persisted entities of the tracker and the
// versioned snapshot document used for backups and export.
//
// # Overview
//
// Every struct in this package mirrors one table row. JSON tags are the
// column names, so a record in a snapshot document is shaped exactly like
// its underlying row:
//
//	{
//	  "id": 7,
//	  "title": "Quarterly reporting",
//	  "status": "Amber",
//	  "stakeholders": "[{\"name\":\"Dana\",\"role\":\"sponsor\"}]",
//	  "created_at": "2026-01-10T07:36:29.000Z",
//	  "updated_at": "2026-01-12T09:02:11.412Z"
//	}
//
// # Embedded documents
//
// Stakeholders and ticket links are stored as TEXT. Older installations
// wrote them in formats that are no longer produced, so decoding tries each
// historically seen format in turn:
//
//   - JSON array of objects (current)
//   - JSON array of strings (names or URLs only)
//   - plain delimited string (comma, semicolon or newline separated)
//
// Encoding always produces the current format.
//
// # Snapshots
//
// A Snapshot is the full dataset wrapped in a versioned envelope. Backups
// carry savedAt, exports carry exportedAt; both are accepted on import.
package schema
