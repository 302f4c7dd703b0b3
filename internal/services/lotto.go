package services

import (
	"sort"
	"sync"
	"time"

	"agent-royale-backend/internal/fairness"
	"agent-royale-backend/internal/models"
)

// LottoBook owns the draws. At most one draw accepts tickets at a time;
// the next one is created lazily once the current draw time passes.
type LottoBook struct {
	mu       sync.Mutex
	draws    map[int64]*models.Draw
	current  int64
	lastID   int64
	interval time.Duration
}

func NewLottoBook(interval time.Duration) *LottoBook {
	return &LottoBook{
		draws:    make(map[int64]*models.Draw),
		interval: interval,
	}
}

func (b *LottoBook) Load(draws []*models.Draw) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, d := range draws {
		b.draws[d.ID] = d
		if d.ID > b.lastID {
			b.lastID = d.ID
		}
		if !d.Drawn && !d.Closed && d.ID > b.current {
			b.current = d.ID
		}
	}
}

// Ensure returns the draw open for tickets, committing a fresh secret
// when a new draw has to be created.
func (b *LottoBook) Ensure(now time.Time) (*models.Draw, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if d, ok := b.draws[b.current]; ok && d.Open(now) {
		return cloneDraw(d), false, nil
	}

	secret, commitment, err := fairness.Commit()
	if err != nil {
		return nil, false, err
	}

	b.lastID++
	d := &models.Draw{
		ID:         b.lastID,
		Commitment: commitment,
		Secret:     secret,
		DrawTime:   now.Add(b.interval),
		CreatedAt:  now,
	}
	b.draws[d.ID] = d
	b.current = d.ID
	return cloneDraw(d), true, nil
}

func (b *LottoBook) AddTicket(drawID int64, t *models.Ticket, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.draws[drawID]
	if !ok {
		return models.Errorf(models.CodeDrawNotFound, "draw %d not found", drawID)
	}
	if !d.Open(now) {
		return models.Errorf(models.CodeDrawClosed, "draw %d no longer accepts tickets", drawID)
	}
	d.Tickets = append(d.Tickets, t)
	return nil
}

func (b *LottoBook) RemoveTicket(drawID int64, ticketID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.draws[drawID]
	if !ok || d.Drawn {
		return
	}
	for i, t := range d.Tickets {
		if t.ID == ticketID {
			d.Tickets = append(d.Tickets[:i], d.Tickets[i+1:]...)
			return
		}
	}
}

// Due lists draws past their draw time that are not drawn yet.
func (b *LottoBook) Due(now time.Time) []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ids []int64
	for id, d := range b.draws {
		if d.Due(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close stops ticket sales and returns the draw with its secret.
func (b *LottoBook) Close(drawID int64) (*models.Draw, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.draws[drawID]
	if !ok {
		return nil, models.Errorf(models.CodeDrawNotFound, "draw %d not found", drawID)
	}
	d.Closed = true
	return cloneDraw(d), nil
}

func (b *LottoBook) SetTicketStatus(drawID int64, ticketIDs []string, status models.TicketStatus, payouts map[string]*models.Ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.draws[drawID]
	if !ok {
		return
	}
	want := make(map[string]bool, len(ticketIDs))
	for _, id := range ticketIDs {
		want[id] = true
	}
	for _, t := range d.Tickets {
		if !want[t.ID] {
			continue
		}
		t.Status = status
		if p, ok := payouts[t.ID]; ok {
			t.Status = p.Status
			t.Payout = p.Payout
		}
	}
}

// Finished returns the drawn version of a fully settled draw without
// storing it. MarkDrawn commits it once persisted.
func (b *LottoBook) Finished(drawID, winning int64, now time.Time) (*models.Draw, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.draws[drawID]
	if !ok || !d.AllSettled() {
		return nil, false
	}
	cp := cloneDraw(d)
	cp.Drawn = true
	cp.Closed = true
	cp.WinningNumber = winning
	cp.DrawnAt = &now
	return cp, true
}

func (b *LottoBook) MarkDrawn(drawn *models.Draw) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if d, ok := b.draws[drawn.ID]; ok {
		d.Drawn = true
		d.Closed = true
		d.WinningNumber = drawn.WinningNumber
		d.DrawnAt = drawn.DrawnAt
	}
}

// VoidChannel voids the active tickets a channel holds in draws that
// still accept tickets, returning the number of tickets voided.
func (b *LottoBook) VoidChannel(channelID string) (int64, []int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var count int64
	var touched []int64
	for id, d := range b.draws {
		if d.Closed || d.Drawn {
			continue
		}
		hit := false
		for _, t := range d.Tickets {
			if t.ChannelID == channelID && t.Status == models.TicketActive {
				t.Status = models.TicketVoid
				count += t.TicketCount
				hit = true
			}
		}
		if hit {
			touched = append(touched, id)
		}
	}
	return count, touched
}

func (b *LottoBook) Get(drawID int64) (*models.Draw, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.draws[drawID]
	if !ok {
		return nil, false
	}
	return cloneDraw(d), true
}

func cloneDraw(d *models.Draw) *models.Draw {
	cp := *d
	cp.Tickets = make([]*models.Ticket, len(d.Tickets))
	for i, t := range d.Tickets {
		tc := *t
		cp.Tickets[i] = &tc
	}
	if d.DrawnAt != nil {
		at := *d.DrawnAt
		cp.DrawnAt = &at
	}
	return &cp
}
