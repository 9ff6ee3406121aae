package redisstore

import (
	"strconv"
	"time"

	"github.com/cwrk-planet/presence-service/internal/domain"
)

// hash fields, timestamps as unix milliseconds
const (
	fieldUserID       = "userId"
	fieldDisplayName  = "displayName"
	fieldRole         = "role"
	fieldConnectionID = "connectionId"
	fieldInstanceID   = "instanceId"
	fieldJoinedAt     = "joinedAt"
	fieldLastSeenAt   = "lastSeenAt"
)

func encodeRecord(rec domain.PresenceRecord) [][2]string {
	return [][2]string{
		{fieldUserID, rec.UserID},
		{fieldDisplayName, rec.DisplayName},
		{fieldRole, rec.Role},
		{fieldConnectionID, rec.ConnectionID},
		{fieldInstanceID, rec.InstanceID},
		{fieldJoinedAt, strconv.FormatInt(rec.JoinedAt.UnixMilli(), 10)},
		{fieldLastSeenAt, strconv.FormatInt(rec.LastSeenAt.UnixMilli(), 10)},
	}
}

func decodeRecord(m map[string]string) domain.PresenceRecord {
	return domain.PresenceRecord{
		UserID:       m[fieldUserID],
		DisplayName:  m[fieldDisplayName],
		Role:         m[fieldRole],
		ConnectionID: m[fieldConnectionID],
		InstanceID:   m[fieldInstanceID],
		JoinedAt:     parseMillis(m[fieldJoinedAt]),
		LastSeenAt:   parseMillis(m[fieldLastSeenAt]),
	}
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
