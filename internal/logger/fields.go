package logger

import (
	"log/slog"
)

// Standard field keys for structured logging. Use these keys consistently
// across all workers so that logs can be aggregated and queried per
// transaction, sub-record, queue and storage target.
const (
	// Message fabric
	KeyWorker     = "worker"      // consumer name: catalog, monitor, index, ...
	KeyQueue      = "queue"       // AMQP queue the message arrived on
	KeyRoutingKey = "routing_key" // full root.worker.action key
	KeyAction     = "action"      // api_action from the message details

	// Transaction identity
	KeyTransactionID = "transaction_id" // user-visible transaction UUID
	KeySubID         = "sub_id"         // sub-record hash id
	KeyUser          = "user"           // requesting user name
	KeyGroup         = "group"          // requesting group name
	KeyState         = "state"          // monitoring state name

	// Catalog entities
	KeyHolding     = "holding_id"
	KeyLabel       = "label"
	KeyAggregation = "aggregation_id"

	// Storage targets
	KeyBucket   = "bucket"   // object store bucket (nlds.<transaction_id>)
	KeyObject   = "object"   // object key within the bucket
	KeyTarfile  = "tarfile"  // tar path on tape
	KeyTenancy  = "tenancy"  // object store endpoint authority
	KeyTapeURL  = "tape_url" // root://server//basedir
	KeyChecksum = "checksum"

	// Filesystem
	KeyPath = "path"
	KeySize = "size"

	// Operation metadata
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyReason     = "reason" // per-file failure reason
	KeyAttempt    = "attempt"
	KeyFiles      = "files"      // number of files in a batch
	KeyPrepareID  = "prepare_id" // tape staging request id
)

// Field constructors for type safety.

// Worker returns a slog.Attr for the consumer name.
func Worker(name string) slog.Attr {
	return slog.String(KeyWorker, name)
}

// Queue returns a slog.Attr for the AMQP queue name.
func Queue(name string) slog.Attr {
	return slog.String(KeyQueue, name)
}

// RoutingKey returns a slog.Attr for a message routing key.
func RoutingKey(key string) slog.Attr {
	return slog.String(KeyRoutingKey, key)
}

// Action returns a slog.Attr for the api_action of a message.
func Action(action string) slog.Attr {
	return slog.String(KeyAction, action)
}

// TransactionID returns a slog.Attr for the transaction UUID.
func TransactionID(id string) slog.Attr {
	return slog.String(KeyTransactionID, id)
}

// SubID returns a slog.Attr for the sub-record id.
func SubID(id string) slog.Attr {
	return slog.String(KeySubID, id)
}

// User returns a slog.Attr for the requesting user.
func User(name string) slog.Attr {
	return slog.String(KeyUser, name)
}

// Group returns a slog.Attr for the requesting group.
func Group(name string) slog.Attr {
	return slog.String(KeyGroup, name)
}

// State returns a slog.Attr for a monitoring state name.
func State(name string) slog.Attr {
	return slog.String(KeyState, name)
}

// Holding returns a slog.Attr for a catalog holding id.
func Holding(id uint) slog.Attr {
	return slog.Uint64(KeyHolding, uint64(id))
}

// Label returns a slog.Attr for a holding label.
func Label(label string) slog.Attr {
	return slog.String(KeyLabel, label)
}

// Aggregation returns a slog.Attr for an aggregation id.
func Aggregation(id uint) slog.Attr {
	return slog.Uint64(KeyAggregation, uint64(id))
}

// Bucket returns a slog.Attr for an object store bucket name.
func Bucket(name string) slog.Attr {
	return slog.String(KeyBucket, name)
}

// Object returns a slog.Attr for an object key.
func Object(key string) slog.Attr {
	return slog.String(KeyObject, key)
}

// Tarfile returns a slog.Attr for a tar path on tape.
func Tarfile(path string) slog.Attr {
	return slog.String(KeyTarfile, path)
}

// Tenancy returns a slog.Attr for an object store tenancy.
func Tenancy(t string) slog.Attr {
	return slog.String(KeyTenancy, t)
}

// TapeURL returns a slog.Attr for a tape endpoint url.
func TapeURL(u string) slog.Attr {
	return slog.String(KeyTapeURL, u)
}

// Checksum returns a slog.Attr for an Adler-32 checksum value.
func Checksum(sum uint32) slog.Attr {
	return slog.Uint64(KeyChecksum, uint64(sum))
}

// Path returns a slog.Attr for a filesystem path.
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// Size returns a slog.Attr for a size in bytes.
func Size(s int64) slog.Attr {
	return slog.Int64(KeySize, s)
}

// DurationMs returns a slog.Attr for duration in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Reason returns a slog.Attr for a per-file failure reason.
func Reason(r string) slog.Attr {
	return slog.String(KeyReason, r)
}

// Attempt returns a slog.Attr for a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// Files returns a slog.Attr for the number of files in a batch.
func Files(n int) slog.Attr {
	return slog.Int(KeyFiles, n)
}

// PrepareID returns a slog.Attr for a tape staging request id.
func PrepareID(id string) slog.Attr {
	return slog.String(KeyPrepareID, id)
}
