package signals

import (
	"encoding/json"
	"errors"

	"github.com/algozhq/algoz-server/cmd/models"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// Publisher receives every newly ingested record. The websocket feed
// implements it; a nil publisher is fine.
type Publisher interface {
	PublishSignal(record *models.SignalRecord)
}

// Log is the append-only signal ingestion log. Ingestion never rejects a
// delivery: payloads that do not parse are stored verbatim as failed, since
// the sending charting tool has no meaningful retry path.
type Log struct {
	db        *gorm.DB
	publisher Publisher
}

func NewLog(db *gorm.DB, publisher Publisher) *Log {
	return &Log{db: db, publisher: publisher}
}

// signalPayload is the structured shape charting tools are expected to
// send. Anything else is stored raw and marked failed.
type signalPayload struct {
	Symbol      string    `json:"symbol"`
	Action      string    `json:"action"`
	Price       float64   `json:"price"`
	Quantity    float64   `json:"quantity"`
	TakeProfits []float64 `json:"take_profits"`
}

// Ingest appends a record for one inbound delivery and returns it
// synchronously. Well-formed payloads start pending and are finalized later
// by the execution step; malformed payloads are finalized as failed on the
// spot.
func (l *Log) Ingest(userID uint, payload []byte) (*models.SignalRecord, error) {
	record := models.SignalRecord{
		UserID:     userID,
		RawPayload: string(payload),
		Status:     models.SignalStatusPending,
	}

	var parsed signalPayload
	if err := json.Unmarshal(payload, &parsed); err != nil || parsed.Symbol == "" || parsed.Action == "" {
		record.Status = models.SignalStatusFailed
		record.FailReason = models.FailReasonMalformedPayload
	} else {
		record.Symbol = parsed.Symbol
		record.Action = parsed.Action
		record.Price = parsed.Price
		record.Quantity = parsed.Quantity
		record.TakeProfits = pq.Float64Array(parsed.TakeProfits)
	}

	if err := l.db.Create(&record).Error; err != nil {
		return nil, err
	}

	if l.publisher != nil {
		l.publisher.PublishSignal(&record)
	}
	return &record, nil
}

// Finalize moves a pending record to success or failed. Records are
// immutable once finalized; the status check lives in the UPDATE so two
// racing finalizers cannot both win.
func (l *Log) Finalize(recordID uint, status string) (*models.SignalRecord, error) {
	if status != models.SignalStatusSuccess && status != models.SignalStatusFailed {
		return nil, models.ErrInvalidTransition
	}

	updates := map[string]interface{}{"status": status}
	if status == models.SignalStatusFailed {
		updates["fail_reason"] = models.FailReasonExecution
	}

	res := l.db.Model(&models.SignalRecord{}).
		Where("id = ? AND status = ?", recordID, models.SignalStatusPending).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := l.db.Model(&models.SignalRecord{}).Where("id = ?", recordID).Count(&count).Error; err != nil {
			return nil, err
		}
		if count == 0 {
			return nil, models.ErrNotFound
		}
		return nil, models.ErrInvalidTransition
	}

	var record models.SignalRecord
	if err := l.db.First(&record, recordID).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// ListRecent returns up to limit records for an account, newest first.
// Pagination is keyset-based: pass the smallest id of the previous page as
// beforeID and concurrent inserts never shift page boundaries. beforeID 0
// means start from the newest record.
func (l *Log) ListRecent(userID uint, limit int, beforeID uint) ([]models.SignalRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	query := l.db.Where("user_id = ?", userID)
	if beforeID > 0 {
		query = query.Where("id < ?", beforeID)
	}

	var records []models.SignalRecord
	if err := query.Order("id DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// Stats aggregates delivery outcomes for the dashboard.
type Stats struct {
	Total   int64 `json:"total"`
	Success int64 `json:"success"`
	Failed  int64 `json:"failed"`
	Pending int64 `json:"pending"`
}

func (l *Log) StatsFor(userID uint) (*Stats, error) {
	var stats Stats

	type row struct {
		Status string
		N      int64
	}
	var rows []row
	if err := l.db.Model(&models.SignalRecord{}).
		Select("status, count(*) as n").
		Where("user_id = ?", userID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	for _, r := range rows {
		stats.Total += r.N
		switch r.Status {
		case models.SignalStatusSuccess:
			stats.Success = r.N
		case models.SignalStatusFailed:
			stats.Failed = r.N
		case models.SignalStatusPending:
			stats.Pending = r.N
		}
	}
	return &stats, nil
}

// Get returns one record by id.
func (l *Log) Get(recordID uint) (*models.SignalRecord, error) {
	var record models.SignalRecord
	err := l.db.First(&record, recordID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}
