package classes

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]ClassSession
	profiles map[string]CallerProfile
	// student id -> user id
	studentUsers map[string]string

	// FailStartCall makes StartCall return this error when set.
	FailStartCall error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:     map[string]ClassSession{},
		profiles:     map[string]CallerProfile{},
		studentUsers: map[string]string{},
	}
}

func (m *MemoryStore) Put(s ClassSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Status == "" {
		s.Status = StatusScheduled
	}
	m.sessions[s.ID] = s
}

func (m *MemoryStore) PutProfile(p CallerProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.TeacherID] = p
}

func (m *MemoryStore) PutStudentUser(studentID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.studentUsers[studentID] = userID
}

func (m *MemoryStore) Get(ctx context.Context, id string) (ClassSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ClassSession{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) ListForStudent(ctx context.Context, studentID string, limit int) ([]ClassSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ClassSession, 0)
	for _, s := range m.sessions {
		if s.StudentID == studentID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.After(out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) StartCall(ctx context.Context, req StartCall) (ClassSession, error) {
	if err := validateStart(req); err != nil {
		return ClassSession{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailStartCall != nil {
		return ClassSession{}, m.FailStartCall
	}
	s, ok := m.sessions[req.ClassSessionID]
	if !ok || s.TeacherID != req.TeacherID || s.StudentID != req.StudentID || !s.Status.Callable() {
		return ClassSession{}, ErrNotFound
	}
	started := req.StartedAt.UTC()
	s.Status = StatusInProgress
	s.CallRoomID = req.RoomID
	s.CallRoomURL = req.RoomURL
	s.CallAttemptID = req.AttemptID
	s.ActualStartTime = &started
	s.UpdatedAt = started
	m.sessions[s.ID] = s
	return s, nil
}

func (m *MemoryStore) TransitionStatus(ctx context.Context, t Transition) (ClassSession, error) {
	if err := validateTransition(t); err != nil {
		return ClassSession{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[t.ClassSessionID]
	if !ok {
		return ClassSession{}, ErrNotFound
	}
	if s.Status != t.From || s.CallAttemptID != t.AttemptID {
		return ClassSession{}, ErrStaleAttempt
	}
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	s.Status = t.To
	s.UpdatedAt = at.UTC()
	m.sessions[s.ID] = s
	return s, nil
}

func (m *MemoryStore) CallerProfile(ctx context.Context, teacherID string) (CallerProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[teacherID]
	if !ok {
		return CallerProfile{}, ErrNotFound
	}
	if p.DisplayName == "" {
		p.DisplayName = defaultCallerName
	}
	return p, nil
}

func (m *MemoryStore) StudentUserID(ctx context.Context, studentID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uid, ok := m.studentUsers[studentID]
	if !ok {
		return "", ErrNotFound
	}
	return uid, nil
}

func (m *MemoryStore) StudentForUser(ctx context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sid, uid := range m.studentUsers {
		if uid == userID {
			return sid, nil
		}
	}
	return "", ErrNotFound
}
