package catalog

import (
	"context"
	"encoding/json"

	"github.com/cedadev/nlds/internal/logger"
	"github.com/cedadev/nlds/pkg/message"
	"github.com/cedadev/nlds/pkg/rabbit"
)

// HoldingRecord is the reply shape of a list query.
type HoldingRecord struct {
	ID           uint                `json:"id"`
	Label        string              `json:"label"`
	User         string              `json:"user"`
	Group        string              `json:"group"`
	Tags         map[string]string   `json:"tags,omitempty"`
	Transactions []TransactionRecord `json:"transactions,omitempty"`
}

// TransactionRecord is the ingest-event part of a holding reply.
type TransactionRecord struct {
	ID            uint   `json:"id"`
	TransactionID string `json:"transaction_id"`
	IngestTime    string `json:"ingest_time"`
	FileCount     int    `json:"file_count"`
}

// FileRecord is the reply shape of a find query.
type FileRecord struct {
	HoldingID    uint                 `json:"holding_id"`
	HoldingLabel string               `json:"holding_label"`
	File         *message.PathDetails `json:"file"`
	Checksums    map[string]string    `json:"checksums,omitempty"`
}

// reply sends an RPC reply carrying records, or the failure when err is
// not nil. RPC errors are never requeued; the caller gets the reason.
func (w *Worker) reply(ctx context.Context, d rabbit.Delivery, m *message.Message, records any, err error) error {
	out := m.Copy()
	if err != nil {
		out.Details.Failure = err.Error()
	} else {
		raw, merr := json.Marshal(records)
		if merr != nil {
			out.Details.Failure = merr.Error()
		} else {
			out.Data.Records = raw
		}
	}
	if rerr := w.bus.Reply(ctx, d, out); rerr != nil {
		logger.WarnCtx(ctx, "failed to send rpc reply", logger.Err(rerr))
	}
	return nil
}

// list returns the holdings matching the query metadata.
func (w *Worker) list(ctx context.Context, d rabbit.Delivery, m *message.Message) error {
	q := w.holdingQuery(m)
	if m.Meta.Label != "" {
		// list accepts a user-supplied pattern, not an exact label
		q.Label = m.Meta.Label
	}
	if m.Meta.TransactionID != "" {
		q.TransactionID = m.Meta.TransactionID
	}

	var records []HoldingRecord
	err := w.store.WithSession(ctx, func(tx *Session) error {
		holdings, err := tx.GetHoldings(q)
		if err != nil {
			return err
		}
		for i := range holdings {
			h := &holdings[i]
			rec := HoldingRecord{
				ID:    h.ID,
				Label: h.Label,
				User:  h.User,
				Group: h.Group,
				Tags:  h.TagMap(),
			}
			for _, t := range h.Transactions {
				var count int64
				if err := tx.db.Model(&File{}).Where("transaction_id = ?", t.ID).Count(&count).Error; err != nil {
					return err
				}
				rec.Transactions = append(rec.Transactions, TransactionRecord{
					ID:            t.ID,
					TransactionID: t.TransactionID,
					IngestTime:    t.IngestTime.UTC().Format("2006-01-02T15:04:05"),
					FileCount:     int(count),
				})
			}
			records = append(records, rec)
		}
		return nil
	})
	return w.reply(ctx, d, m, records, err)
}

// find returns the files matching the query metadata.
func (w *Worker) find(ctx context.Context, d rabbit.Delivery, m *message.Message) error {
	q := FileQuery{HoldingQuery: w.holdingQuery(m), Path: m.Meta.Path}
	if m.Meta.Label != "" {
		q.Label = m.Meta.Label
	}
	if m.Meta.TransactionID != "" {
		q.TransactionID = m.Meta.TransactionID
	}

	var records []FileRecord
	err := w.store.WithSession(ctx, func(tx *Session) error {
		files, err := tx.GetFiles(q)
		if err != nil {
			return err
		}
		for i := range files {
			f := &files[i]
			holdingID, err := w.holdingOf(tx, f)
			if err != nil {
				return err
			}
			var h Holding
			if err := tx.db.First(&h, holdingID).Error; err != nil {
				return err
			}
			rec := FileRecord{
				HoldingID:    holdingID,
				HoldingLabel: h.Label,
				File:         f.PathDetails(),
			}
			if len(f.Checksums) > 0 {
				rec.Checksums = make(map[string]string, len(f.Checksums))
				for _, c := range f.Checksums {
					rec.Checksums[c.Algorithm] = c.Checksum
				}
			}
			records = append(records, rec)
		}
		return nil
	})
	return w.reply(ctx, d, m, records, err)
}

// meta applies a metadata change to the selected holdings and returns the
// updated records.
func (w *Worker) meta(ctx context.Context, d rabbit.Delivery, m *message.Message) error {
	if m.Meta.NewMeta == nil {
		return w.reply(ctx, d, m, nil,
			newError(KindInvalid, "meta operation carries no changes"))
	}

	var records []HoldingRecord
	err := w.store.WithSession(ctx, func(tx *Session) error {
		holdings, err := tx.GetHoldings(w.holdingQuery(m))
		if err != nil {
			return err
		}
		for i := range holdings {
			h := &holdings[i]
			err := tx.ModifyHolding(h, m.Meta.NewMeta.Label,
				m.Meta.NewMeta.Tag, m.Meta.NewMeta.DelTag)
			if err != nil {
				return err
			}
			records = append(records, HoldingRecord{
				ID:    h.ID,
				Label: h.Label,
				User:  h.User,
				Group: h.Group,
				Tags:  h.TagMap(),
			})
		}
		return nil
	})
	return w.reply(ctx, d, m, records, err)
}
