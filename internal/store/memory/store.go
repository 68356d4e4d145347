package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"campusdine/token-service/internal/models"
	"campusdine/token-service/internal/store"
)

type sequenceKey struct {
	bookingDate string
	slotID      int64
}

type state struct {
	tokens           map[int64]models.Token
	counters         map[int64]models.Counter
	sequences        map[sequenceKey]int64
	reassignments    []models.TokenReassignment
	nextTokenID      int64
	nextReassignment int64
}

func (s *state) clone() *state {
	out := &state{
		tokens:           make(map[int64]models.Token, len(s.tokens)),
		counters:         make(map[int64]models.Counter, len(s.counters)),
		sequences:        make(map[sequenceKey]int64, len(s.sequences)),
		reassignments:    append([]models.TokenReassignment(nil), s.reassignments...),
		nextTokenID:      s.nextTokenID,
		nextReassignment: s.nextReassignment,
	}
	for id, token := range s.tokens {
		out.tokens[id] = copyToken(token)
	}
	for id, counter := range s.counters {
		out.counters[id] = counter
	}
	for key, value := range s.sequences {
		out.sequences[key] = value
	}
	return out
}

// Store keeps all rows in process memory. A transaction mutates a private
// copy of the state which replaces the shared one on commit, so readers
// never observe a partially applied transaction.
type Store struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	current *state
}

func NewStore(counters []models.Counter) *Store {
	st := &state{
		tokens:    map[int64]models.Token{},
		counters:  map[int64]models.Counter{},
		sequences: map[sequenceKey]int64{},
	}
	for _, counter := range counters {
		st.counters[counter.CounterID] = counter
	}
	return &Store{current: st}
}

func (s *Store) Ping(ctx context.Context) error {
	return store.Unavailable(ctx.Err())
}

func (s *Store) ReadOnly(ctx context.Context, fn func(store.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	snapshot := s.current
	s.mu.RUnlock()
	// Committed states are never mutated after the swap.
	return fn(&reader{state: snapshot})
}

func (s *Store) WithinTx(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	working := s.current.clone()
	s.mu.RUnlock()

	if err := fn(&tx{reader: reader{state: working}}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.current = working
	s.mu.Unlock()
	return nil
}

// Reassignments returns the stored reassignment history.
func (s *Store) Reassignments() []models.TokenReassignment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.TokenReassignment(nil), s.current.reassignments...)
}

type reader struct {
	state *state
}

func (r *reader) GetToken(_ context.Context, tokenID int64) (models.Token, error) {
	token, ok := r.state.tokens[tokenID]
	if !ok {
		return models.Token{}, store.ErrTokenNotFound
	}
	return copyToken(token), nil
}

func (r *reader) GetTokenByBooking(_ context.Context, bookingID int64) (models.Token, error) {
	var found *models.Token
	for _, token := range r.state.tokens {
		if token.BookingID != bookingID {
			continue
		}
		if found == nil || token.TokenID > found.TokenID {
			candidate := token
			found = &candidate
		}
	}
	if found == nil {
		return models.Token{}, store.ErrTokenNotFound
	}
	return copyToken(*found), nil
}

func (r *reader) ListTokens(_ context.Context, filter store.TokenFilter) ([]models.Token, error) {
	var out []models.Token
	for _, token := range r.state.tokens {
		if filter.UserID != "" && token.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && token.Status != filter.Status {
			continue
		}
		if filter.BookingDate != "" && token.BookingDate != filter.BookingDate {
			continue
		}
		out = append(out, copyToken(token))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID > out[j].TokenID })
	return out, nil
}

func (r *reader) ListCounters(_ context.Context) ([]models.Counter, error) {
	out := make([]models.Counter, 0, len(r.state.counters))
	for _, counter := range r.state.counters {
		out = append(out, counter)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CounterID < out[j].CounterID })
	return out, nil
}

func (r *reader) GetCounter(_ context.Context, counterID int64) (models.Counter, error) {
	counter, ok := r.state.counters[counterID]
	if !ok {
		return models.Counter{}, store.ErrCounterNotFound
	}
	return counter, nil
}

func (r *reader) ListCounterTokens(_ context.Context, counterID int64) ([]models.Token, error) {
	var out []models.Token
	for _, token := range r.state.tokens {
		if token.OnCounterID(counterID) {
			out = append(out, copyToken(token))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out, nil
}

func (r *reader) RecentServed(_ context.Context, counterID int64, limit int) ([]models.Token, error) {
	var out []models.Token
	for _, token := range r.state.tokens {
		if token.Status != models.StatusServed || token.ServedCounterID == nil || *token.ServedCounterID != counterID {
			continue
		}
		if token.ServedAt == nil {
			continue
		}
		out = append(out, copyToken(token))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ServedAt.Equal(*out[j].ServedAt) {
			return out[i].ServedAt.After(*out[j].ServedAt)
		}
		return out[i].TokenID > out[j].TokenID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *reader) ListSlotTokens(_ context.Context, slotID int64, bookingDate string) ([]models.Token, error) {
	var out []models.Token
	for _, token := range r.state.tokens {
		if token.SlotID == slotID && token.BookingDate == bookingDate {
			out = append(out, copyToken(token))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out, nil
}

type tx struct {
	reader
}

func (t *tx) LockCounters(ctx context.Context) ([]models.Counter, error) {
	return t.ListCounters(ctx)
}

func (t *tx) LockToken(ctx context.Context, tokenID int64) (models.Token, error) {
	return t.GetToken(ctx, tokenID)
}

func (t *tx) FindOpenToken(_ context.Context, bookingID int64) (models.Token, bool, error) {
	for _, token := range t.state.tokens {
		if token.BookingID == bookingID && !token.Status.Terminal() {
			return copyToken(token), true, nil
		}
	}
	return models.Token{}, false, nil
}

func (t *tx) CounterLoads(_ context.Context) (map[int64]int, error) {
	loads := make(map[int64]int, len(t.state.counters))
	for _, token := range t.state.tokens {
		if token.Status.OnCounter() && token.CounterID != nil {
			loads[*token.CounterID]++
		}
	}
	return loads, nil
}

func (t *tx) NextTokenNumber(_ context.Context, bookingDate string, slotID int64) (int64, error) {
	key := sequenceKey{bookingDate: bookingDate, slotID: slotID}
	t.state.sequences[key]++
	return t.state.sequences[key], nil
}

func (t *tx) InsertToken(_ context.Context, token models.Token) (models.Token, error) {
	for _, existing := range t.state.tokens {
		if existing.BookingID == token.BookingID && !existing.Status.Terminal() {
			return models.Token{}, store.ErrDuplicateToken
		}
		if existing.BookingDate == token.BookingDate && existing.TokenNumber == token.TokenNumber {
			return models.Token{}, store.ErrDuplicateToken.With("token number %s already issued", token.TokenNumber)
		}
	}
	t.state.nextTokenID++
	token.TokenID = t.state.nextTokenID
	t.state.tokens[token.TokenID] = copyToken(token)
	return copyToken(token), nil
}

func (t *tx) UpdateToken(_ context.Context, token models.Token) error {
	if _, ok := t.state.tokens[token.TokenID]; !ok {
		return store.ErrTokenNotFound
	}
	if token.Status == models.StatusServing && token.CounterID != nil {
		for id, other := range t.state.tokens {
			if id != token.TokenID && other.Status == models.StatusServing && other.CounterID != nil && *other.CounterID == *token.CounterID {
				return store.ErrCounterBusy
			}
		}
	}
	t.state.tokens[token.TokenID] = copyToken(token)
	return nil
}

func (t *tx) SetCounterActive(_ context.Context, counterID int64, active bool) error {
	counter, ok := t.state.counters[counterID]
	if !ok {
		return store.ErrCounterNotFound
	}
	counter.IsActive = active
	t.state.counters[counterID] = counter
	return nil
}

func (t *tx) InsertReassignment(_ context.Context, reassignment models.TokenReassignment) (models.TokenReassignment, error) {
	t.state.nextReassignment++
	reassignment.ReassignmentID = t.state.nextReassignment
	t.state.reassignments = append(t.state.reassignments, reassignment)
	return reassignment, nil
}

func (t *tx) MarkReassignmentsNotified(_ context.Context, reassignmentIDs []int64) error {
	wanted := make(map[int64]struct{}, len(reassignmentIDs))
	for _, id := range reassignmentIDs {
		wanted[id] = struct{}{}
	}
	for i := range t.state.reassignments {
		if _, ok := wanted[t.state.reassignments[i].ReassignmentID]; ok {
			t.state.reassignments[i].Notified = true
		}
	}
	return nil
}

func (t *tx) ListStaleCalled(_ context.Context, calledBefore time.Time, limit int) ([]models.Token, error) {
	var out []models.Token
	for _, token := range t.state.tokens {
		if token.Status != models.StatusActive || token.CalledAt == nil {
			continue
		}
		if token.CalledAt.After(calledBefore) {
			continue
		}
		out = append(out, copyToken(token))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CalledAt.Equal(*out[j].CalledAt) {
			return out[i].CalledAt.Before(*out[j].CalledAt)
		}
		return out[i].TokenID < out[j].TokenID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyToken(token models.Token) models.Token {
	if token.CounterID != nil {
		id := *token.CounterID
		token.CounterID = &id
	}
	if token.ActivatedAt != nil {
		at := *token.ActivatedAt
		token.ActivatedAt = &at
	}
	if token.CalledAt != nil {
		at := *token.CalledAt
		token.CalledAt = &at
	}
	if token.ServedAt != nil {
		at := *token.ServedAt
		token.ServedAt = &at
	}
	if token.ServedCounterID != nil {
		id := *token.ServedCounterID
		token.ServedCounterID = &id
	}
	return token
}
