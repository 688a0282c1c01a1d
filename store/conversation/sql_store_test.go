package conversation

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var historyQuery = regexp.QuoteMeta(`
		SELECT id, sender_id, receiver_id, content, timestamp
		FROM chat_message`)

func TestSQLHistoryReturnsBothDirections(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() {
		_ = db.Close()
	}()

	ts := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "sender_id", "receiver_id", "content", "timestamp"}).
		AddRow(int64(1), int64(4), int64(9), "hello", ts).
		AddRow(int64(2), int64(9), int64(4), "hi back", ts.Add(time.Minute))

	mock.ExpectQuery(historyQuery).
		WithArgs(int64(4), int64(9)).
		WillReturnRows(rows)

	store := NewSQLHistory(db)
	got, err := store.History(context.Background(), 4, 9)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].Content != "hello" || got[0].SenderID != 4 || got[0].ReceiverID != 9 {
		t.Errorf("unexpected first message: %+v", got[0])
	}
	if got[1].ID != 2 || got[1].Key() != KeyOf(4, 9) {
		t.Errorf("unexpected second message: %+v", got[1])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLHistoryEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() {
		_ = db.Close()
	}()

	mock.ExpectQuery(historyQuery).
		WithArgs(int64(4), int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sender_id", "receiver_id", "content", "timestamp"}))

	got, err := NewSQLHistory(db).History(context.Background(), 4, 9)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no messages, got %d", len(got))
	}
}

func TestSQLHistoryQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() {
		_ = db.Close()
	}()

	queryErr := errors.New("connection reset")
	mock.ExpectQuery(historyQuery).WillReturnError(queryErr)

	_, err = NewSQLHistory(db).History(context.Background(), 4, 9)
	if !errors.Is(err, queryErr) {
		t.Fatalf("expected %v, got %v", queryErr, err)
	}
}

func TestSQLHistoryReadsWallClockInServerZone(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() {
		_ = db.Close()
	}()
	useServerLocation(t, time.FixedZone("CET", 3600))

	// lib/pq labels timestamp-without-zone columns as UTC
	wall := time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC)
	mock.ExpectQuery(historyQuery).
		WithArgs(int64(4), int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sender_id", "receiver_id", "content", "timestamp"}).
			AddRow(int64(1), int64(4), int64(9), "hello", wall))

	got, err := NewSQLHistory(db).History(context.Background(), 4, 9)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != 1 || !got[0].Timestamp.Equal(base) {
		t.Fatalf("expected %v, got %+v", base, got)
	}
}
