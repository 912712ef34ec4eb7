package state

import "time"

// Apply folds one event onto the state and returns the resulting state.
// It is pure: no I/O, no clock reads beyond the event's own timestamp, and
// the input state is never mutated. Events targeting unknown entity ids,
// mismatched user ids, or carrying unknown payloads return the input
// unchanged.
//
// Apply does not touch LastSyncedAt or Status; the caller owns those.
func Apply(s ApplicationState, ev Event) ApplicationState {
	switch p := ev.Payload.(type) {
	case UserUpdatedPayload:
		return applyUserUpdated(s, p, ev.Time())
	case SessionCreatedPayload:
		return applySessionCreated(s, p)
	case SessionExpiredPayload:
		return applySessionExpired(s, p)
	case NotificationReceivedPayload:
		return applyNotificationReceived(s, p)
	case NotificationReadPayload:
		return applyNotificationRead(s, p)
	case NotificationDismissedPayload:
		return applyNotificationDismissed(s, p)
	default:
		// Unknown wire payloads pass through untouched.
		return s
	}
}

func applyUserUpdated(s ApplicationState, p UserUpdatedPayload, at time.Time) ApplicationState {
	if s.User == nil || s.User.ID != p.ID {
		return s
	}
	u := *s.User
	if p.Changes.Email != nil {
		u.Email = *p.Changes.Email
	}
	if p.Changes.Name != nil {
		u.Name = *p.Changes.Name
	}
	if p.Changes.AvatarURL != nil {
		u.AvatarURL = *p.Changes.AvatarURL
	}
	u.UpdatedAt = at
	s.User = &u
	return s
}

func applySessionCreated(s ApplicationState, p SessionCreatedPayload) ApplicationState {
	if p.Session.ID == "" {
		return s
	}
	s.Sessions = cloneSessions(s.Sessions)
	s.Sessions[p.Session.ID] = p.Session
	return s
}

func applySessionExpired(s ApplicationState, p SessionExpiredPayload) ApplicationState {
	if _, ok := s.Sessions[p.SessionID]; !ok {
		return s
	}
	s.Sessions = cloneSessions(s.Sessions)
	delete(s.Sessions, p.SessionID)
	return s
}

func applyNotificationReceived(s ApplicationState, p NotificationReceivedPayload) ApplicationState {
	if p.Notification.ID == "" {
		return s
	}
	s.Notifications = cloneNotifications(s.Notifications)
	s.Notifications[p.Notification.ID] = p.Notification
	return s
}

func applyNotificationRead(s ApplicationState, p NotificationReadPayload) ApplicationState {
	n, ok := s.Notifications[p.NotificationID]
	if !ok || n.Read {
		return s
	}
	n.Read = true
	s.Notifications = cloneNotifications(s.Notifications)
	s.Notifications[p.NotificationID] = n
	return s
}

func applyNotificationDismissed(s ApplicationState, p NotificationDismissedPayload) ApplicationState {
	n, ok := s.Notifications[p.NotificationID]
	if !ok || n.Dismissed {
		return s
	}
	// Dismissed notifications are hidden from views but kept in storage.
	n.Dismissed = true
	s.Notifications = cloneNotifications(s.Notifications)
	s.Notifications[p.NotificationID] = n
	return s
}

func cloneSessions(in map[string]Session) map[string]Session {
	out := make(map[string]Session, len(in)+1)
	for id, sess := range in {
		out[id] = sess
	}
	return out
}

func cloneNotifications(in map[string]Notification) map[string]Notification {
	out := make(map[string]Notification, len(in)+1)
	for id, n := range in {
		out[id] = n
	}
	return out
}
