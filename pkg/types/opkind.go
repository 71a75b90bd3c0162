package types

// OperationKind is the closed enumeration of operations a seeded
// transaction may declare. Each kind maps 1:1 to an externally visible wire
// operation where such a mapping exists; kinds with Wire == false are
// internal-only and must fail Seed if a caller tries to export them onto
// the wire.
type OperationKind string

const (
	OpCreateTable            OperationKind = "CREATE_TABLE"
	OpCloneTable             OperationKind = "CLONE_TABLE"
	OpDeleteTable            OperationKind = "DELETE_TABLE"
	OpCompactTable           OperationKind = "COMPACT_TABLE"
	OpCancelCompact          OperationKind = "CANCEL_COMPACT"
	OpRenameTable            OperationKind = "RENAME_TABLE"
	OpSplit                  OperationKind = "SPLIT"
	OpMerge                  OperationKind = "MERGE"
	OpSetTabletAvailability  OperationKind = "SET_TABLET_AVAILABILITY"
	OpExport                 OperationKind = "EXPORT"
	OpImport                 OperationKind = "IMPORT"
	OpBulkImport             OperationKind = "BULK_IMPORT"
	OpOffline                OperationKind = "OFFLINE"
	OpOnline                 OperationKind = "ONLINE"
	OpNamespaceCreate        OperationKind = "NAMESPACE_CREATE"
	OpNamespaceDelete        OperationKind = "NAMESPACE_DELETE"
	OpNamespaceRename        OperationKind = "NAMESPACE_RENAME"
	// OpCommitCompaction and OpShutdownTabletServer are internal-only: they
	// are driven by the compaction coordinator and the tablet server
	// lifecycle respectively, never by a user-facing wire call.
	OpCommitCompaction      OperationKind = "COMMIT_COMPACTION"
	OpShutdownTabletServer  OperationKind = "SHUTDOWN_TABLET_SERVER"
)

// wireKinds records which operation kinds have an externally visible wire
// counterpart.
var wireKinds = map[OperationKind]bool{
	OpCreateTable:           true,
	OpCloneTable:            true,
	OpDeleteTable:           true,
	OpCompactTable:          true,
	OpCancelCompact:         true,
	OpRenameTable:           true,
	OpSplit:                 true,
	OpMerge:                 true,
	OpSetTabletAvailability: true,
	OpExport:                true,
	OpImport:                true,
	OpBulkImport:            true,
	OpOffline:               true,
	OpOnline:                true,
	OpNamespaceCreate:       true,
	OpNamespaceDelete:       true,
	OpNamespaceRename:       true,
	OpCommitCompaction:      false,
	OpShutdownTabletServer:  false,
}

// IsWireExportable reports whether op has an externally visible wire
// counterpart.
func IsWireExportable(op OperationKind) bool {
	return wireKinds[op]
}

// KnownOperationKind reports whether op is a member of the closed
// enumeration.
func KnownOperationKind(op OperationKind) bool {
	_, ok := wireKinds[op]
	return ok
}
