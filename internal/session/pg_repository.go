package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

const roomColumns = `id, appointment_id, clinician_id, provider_room_handle, status,
	valid_from, valid_until, created_at, started_at, ended_at`

const participantColumns = `id, room_id, participant_type, external_id, display_name,
	provider_identity, joined_at, left_at`

func scanRoom(row pgx.Row) (*Room, error) {
	var r Room
	var startedAt, endedAt *time.Time

	err := row.Scan(
		&r.ID,
		&r.AppointmentID,
		&r.ClinicianID,
		&r.ProviderRoomHandle,
		&r.Status,
		&r.ValidFrom,
		&r.ValidUntil,
		&r.CreatedAt,
		&startedAt,
		&endedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}

	r.StartedAt = startedAt
	r.EndedAt = endedAt
	return &r, nil
}

func scanParticipant(row pgx.Row) (*Participant, error) {
	var p Participant
	var leftAt *time.Time

	err := row.Scan(
		&p.ID,
		&p.RoomID,
		&p.Type,
		&p.ExternalID,
		&p.DisplayName,
		&p.ProviderIdentity,
		&p.JoinedAt,
		&leftAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrParticipantNotFound
		}
		return nil, err
	}

	p.LeftAt = leftAt
	return &p, nil
}

// Interface methods

func (r *PgRepository) InsertRoomIfAbsent(ctx context.Context, room Room) (*Room, bool, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO session_rooms (`+roomColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL, NULL)
		ON CONFLICT (appointment_id) DO NOTHING
		RETURNING `+roomColumns,
		room.ID, room.AppointmentID, room.ClinicianID, room.ProviderRoomHandle, room.Status,
		room.ValidFrom, room.ValidUntil, room.CreatedAt,
	)

	stored, err := scanRoom(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, ErrRoomNotFound) {
		return nil, false, fmt.Errorf("insert room: %w", err)
	}

	// conflict: another writer created the room first
	existing, err := r.GetRoomByAppointment(ctx, room.AppointmentID)
	if err != nil {
		return nil, false, fmt.Errorf("load existing room: %w", err)
	}
	return existing, false, nil
}

func (r *PgRepository) GetRoomByAppointment(ctx context.Context, appointmentID string) (*Room, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+roomColumns+`
		FROM session_rooms
		WHERE appointment_id = $1
	`, appointmentID)
	return scanRoom(row)
}

func (r *PgRepository) GetRoomByID(ctx context.Context, id uuid.UUID) (*Room, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+roomColumns+`
		FROM session_rooms
		WHERE id = $1
	`, id)
	return scanRoom(row)
}

func (r *PgRepository) EndRoom(ctx context.Context, id uuid.UUID, at time.Time) (*Room, bool, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE session_rooms
		SET status = 'ended',
		    ended_at = $2
		WHERE id = $1
		  AND status <> 'ended'
		RETURNING `+roomColumns,
		id, at,
	)

	room, err := scanRoom(row)
	if err == nil {
		return room, true, nil
	}
	if !errors.Is(err, ErrRoomNotFound) {
		return nil, false, fmt.Errorf("end room: %w", err)
	}

	existing, err := r.GetRoomByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *PgRepository) ListExpiredOpenRooms(ctx context.Context, now time.Time) ([]Room, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+roomColumns+`
		FROM session_rooms
		WHERE status <> 'ended'
		  AND valid_until < $1
		ORDER BY valid_until
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *room)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) RecordJoin(ctx context.Context, p Participant) (*Room, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin join: %w", err)
	}
	defer tx.Rollback(ctx)

	// row lock orders this join against a concurrent end on the same room
	var status RoomStatus
	err = tx.QueryRow(ctx, `
		SELECT status FROM session_rooms WHERE id = $1 FOR UPDATE
	`, p.RoomID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, ErrRoomNotFound
		}
		return nil, false, fmt.Errorf("lock room: %w", err)
	}
	if status == StatusEnded {
		return nil, false, ErrRoomEnded
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO session_participants (`+participantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL)
	`, p.ID, p.RoomID, p.Type, p.ExternalID, p.DisplayName, p.ProviderIdentity, p.JoinedAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert participant: %w", err)
	}

	activated := false
	if status == StatusCreated {
		tag, err := tx.Exec(ctx, `
			UPDATE session_rooms
			SET status = 'active',
			    started_at = $2
			WHERE id = $1
			  AND status = 'created'
		`, p.RoomID, p.JoinedAt)
		if err != nil {
			return nil, false, fmt.Errorf("activate room: %w", err)
		}
		activated = tag.RowsAffected() == 1
	}

	room, err := scanRoom(tx.QueryRow(ctx, `
		SELECT `+roomColumns+` FROM session_rooms WHERE id = $1
	`, p.RoomID))
	if err != nil {
		return nil, false, fmt.Errorf("reload room: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit join: %w", err)
	}
	return room, activated, nil
}

func (r *PgRepository) GetParticipant(ctx context.Context, id uuid.UUID) (*Participant, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+participantColumns+`
		FROM session_participants
		WHERE id = $1
	`, id)
	return scanParticipant(row)
}

func (r *PgRepository) MarkParticipantLeft(ctx context.Context, id uuid.UUID, at time.Time) (*Participant, bool, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE session_participants
		SET left_at = $2
		WHERE id = $1
		  AND left_at IS NULL
		RETURNING `+participantColumns,
		id, at,
	)

	p, err := scanParticipant(row)
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, ErrParticipantNotFound) {
		return nil, false, fmt.Errorf("mark participant left: %w", err)
	}

	existing, err := r.GetParticipant(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *PgRepository) ListParticipants(ctx context.Context, roomID uuid.UUID) ([]Participant, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+participantColumns+`
		FROM session_participants
		WHERE room_id = $1
		ORDER BY joined_at, seq
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) LatestParticipant(ctx context.Context, roomID uuid.UUID, t ParticipantType) (*Participant, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+participantColumns+`
		FROM session_participants
		WHERE room_id = $1
		  AND participant_type = $2
		ORDER BY joined_at DESC, seq DESC
		LIMIT 1
	`, roomID, t)
	return scanParticipant(row)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO session_events (event_type, room_id, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.EventType, ev.RoomID, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
