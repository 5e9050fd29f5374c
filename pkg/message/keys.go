package message

import "strings"

// Routing keys take the form root.worker.action. The root namespace is
// constant across the deployment; the worker token selects a queue and the
// action token drives the consumer's state machine.
const (
	// Root namespace for every routing key.
	RootKey = "nlds-api"
	// Wild matches a single token in a binding.
	Wild = "*"
)

// Worker tokens.
const (
	KeyRoute                = "route"
	KeyIndex                = "index"
	KeyCatalogPut           = "catalog-put"
	KeyCatalogGet           = "catalog-get"
	KeyCatalogDel           = "catalog-del"
	KeyCatalogUpdate        = "catalog-update"
	KeyCatalogRemove        = "catalog-remove"
	KeyCatalogArchiveNext   = "catalog-archive-next"
	KeyCatalogArchiveUpdate = "catalog-archive-update"
	KeyMonitorPut           = "monitor-put"
	KeyMonitorGet           = "monitor-get"
	KeyTransferPut          = "transfer-put"
	KeyTransferGet          = "transfer-get"
	KeyArchivePut           = "archive-put"
	KeyArchiveGet           = "archive-get"
	KeyLog                  = "log"
)

// Action tokens.
const (
	ActionPut            = "put"
	ActionGet            = "get"
	ActionPutlist        = "putlist"
	ActionGetlist        = "getlist"
	ActionList           = "list"
	ActionFind           = "find"
	ActionMeta           = "meta"
	ActionStat           = "stat"
	ActionInitiate       = "initiate"
	ActionInitComplete   = "init-complete"
	ActionStart          = "start"
	ActionPrepare        = "prepare"
	ActionPrepareCheck   = "prepare-check"
	ActionComplete       = "complete"
	ActionFailed         = "failed"
	ActionNext           = "next"
	ActionArchiveRestore = "archive-restore"
	ActionSystemStat     = "system-stat"
	ActionArchivePut     = "archive-put"
)

// BuildKey assembles a root.worker.action routing key.
func BuildKey(root, worker, action string) string {
	return root + "." + worker + "." + action
}

// ParseKey splits a routing key into its root, worker and action tokens.
func ParseKey(key string) (root, worker, action string, ok bool) {
	first := strings.IndexByte(key, '.')
	last := strings.LastIndexByte(key, '.')
	if first < 0 || first == last {
		return "", "", "", false
	}
	return key[:first], key[first+1 : last], key[last+1:], true
}

// Storage type names used in wire-format locations and catalog rows.
const (
	StorageObject = "OBJECT_STORAGE"
	StorageTape   = "TAPE"
)
