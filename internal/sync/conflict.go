package sync

import (
	"context"
	"errors"

	"calsyncd/internal/caldav"
	"calsyncd/internal/push"
	"calsyncd/internal/storage"
	"calsyncd/pkg/ics"
)

// ErrSyncConflict marks a push that lost to a concurrent remote
// revision even after the single re-pull retry.
var ErrSyncConflict = errors.New("sync: conflicting concurrent modification")

// recordConflict preserves the losing side of a resolved conflict in
// the audit trail. The losing edit is never silently dropped.
func (s *Supervisor) recordConflict(ctx context.Context, calendarID string, local *storage.Event, remote *ics.Event, winner string) error {
	losing := local.RawPayload
	if winner == "local" {
		losing = remote.RawData
	}
	if losing == nil {
		// a Local entity that never serialized; keep what we can
		if data, err := s.codec.Encode(toICS(local), ""); err == nil {
			losing = data
		}
	}

	s.logger.Warn().
		Str("uid", local.UID).
		Str("calendar", calendarID).
		Int64("local_seq", local.Sequence).
		Int64("remote_seq", remote.Sequence).
		Str("winner", winner).
		Msg("sync conflict resolved")

	return s.store.RecordConflict(ctx, &storage.ConflictLog{
		CalendarID:    calendarID,
		UID:           local.UID,
		LocalSequence: local.Sequence,
		RemoteSeq:     remote.Sequence,
		Winner:        winner,
		LosingPayload: losing,
	})
}

// applyRemoteObject overwrites the local row with a freshly fetched
// remote representation after a lost conflict.
func (s *Supervisor) applyRemoteObject(ctx context.Context, cal *storage.Calendar, local *storage.Event, remoteEv *ics.Event, obj *caldav.Object, res *calResult) error {
	updated := fromICS(remoteEv)
	updated.ID = local.ID
	updated.CalendarID = cal.ID
	updated.SyncState = storage.StateSynced
	updated.VersionToken = obj.ETag
	updated.RemoteURL = obj.Href
	updated.RawPayload = obj.Data

	swapped, err := s.store.UpdateEventIfSequence(ctx, updated, local.Sequence)
	if err != nil {
		return err
	}
	if swapped {
		res.pulled++
		res.msgs = append(res.msgs, changeMessage(push.ActionUpdated, local.ID, local.UID, cal.ID, remoteEv.Sequence))
	}
	return nil
}
