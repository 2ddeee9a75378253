package conflict

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-availability/internal/availability"
)

// Ledger holds the active bookings of every doctor. Each doctor has its own
// lock, so acceptance of two bookings for the same doctor is serialised and
// neither can miss the other.
type Ledger struct {
	mu      sync.RWMutex
	doctors map[string]*doctorBook
	owner   map[uuid.UUID]string // booking -> doctor
}

type doctorBook struct {
	mu       sync.Mutex
	bookings map[uuid.UUID]Booking
}

func NewLedger() *Ledger {
	return &Ledger{
		doctors: make(map[string]*doctorBook),
		owner:   make(map[uuid.UUID]string),
	}
}

func (l *Ledger) book(doctorID string, create bool) *doctorBook {
	l.mu.RLock()
	db := l.doctors[doctorID]
	l.mu.RUnlock()
	if db != nil || !create {
		return db
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if db = l.doctors[doctorID]; db == nil {
		db = &doctorBook{bookings: make(map[uuid.UUID]Booking)}
		l.doctors[doctorID] = db
	}
	return db
}

// Add records b and returns the doctor's other active bookings that
// overlap it, earliest first. Re-adding a known booking ID replaces it.
func (l *Ledger) Add(b Booking) []Booking {
	db := l.book(b.DoctorID, true)
	db.mu.Lock()
	var overlapping []Booking
	for id, other := range db.bookings {
		if id == b.ID {
			continue
		}
		if Overlaps(b.Start, b.End, other.Start, other.End) {
			overlapping = append(overlapping, other)
		}
	}
	db.bookings[b.ID] = b
	db.mu.Unlock()

	l.mu.Lock()
	l.owner[b.ID] = b.DoctorID
	l.mu.Unlock()

	sortBookings(overlapping)
	return overlapping
}

func (l *Ledger) Get(id uuid.UUID) (Booking, bool) {
	l.mu.RLock()
	doctorID, ok := l.owner[id]
	l.mu.RUnlock()
	if !ok {
		return Booking{}, false
	}
	db := l.book(doctorID, false)
	if db == nil {
		return Booking{}, false
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	b, ok := db.bookings[id]
	return b, ok
}

// Move reschedules booking id to [start,end), failing with ErrOverlap when
// that would collide with another of the doctor's bookings.
func (l *Ledger) Move(id uuid.UUID, start, end time.Time) (Booking, error) {
	l.mu.RLock()
	doctorID, ok := l.owner[id]
	l.mu.RUnlock()
	if !ok {
		return Booking{}, ErrBookingNotFound
	}
	db := l.book(doctorID, false)
	db.mu.Lock()
	defer db.mu.Unlock()

	b, ok := db.bookings[id]
	if !ok {
		return Booking{}, ErrBookingNotFound
	}
	for otherID, other := range db.bookings {
		if otherID != id && Overlaps(start, end, other.Start, other.End) {
			return Booking{}, fmt.Errorf("move booking %s: %w with %s", id, ErrOverlap, otherID)
		}
	}
	b.Start, b.End = start, end
	db.bookings[id] = b
	return b, nil
}

// Cancel drops booking id from the active set.
func (l *Ledger) Cancel(id uuid.UUID) error {
	l.mu.Lock()
	doctorID, ok := l.owner[id]
	delete(l.owner, id)
	l.mu.Unlock()
	if !ok {
		return ErrBookingNotFound
	}
	db := l.book(doctorID, false)
	db.mu.Lock()
	delete(db.bookings, id)
	db.mu.Unlock()
	return nil
}

// ForDoctor returns a copy of the doctor's active bookings, earliest first.
func (l *Ledger) ForDoctor(doctorID string) []Booking {
	db := l.book(doctorID, false)
	if db == nil {
		return nil
	}
	db.mu.Lock()
	out := make([]Booking, 0, len(db.bookings))
	for _, b := range db.bookings {
		out = append(out, b)
	}
	db.mu.Unlock()
	sortBookings(out)
	return out
}

// Matching returns the active bookings that fall under key. Empty clinic
// and doctor filters match everything.
func (l *Ledger) Matching(key availability.Key) []Booking {
	l.mu.RLock()
	books := make([]*doctorBook, 0, len(l.doctors))
	for doctorID, db := range l.doctors {
		if key.DoctorID == "" || key.DoctorID == doctorID {
			books = append(books, db)
		}
	}
	l.mu.RUnlock()

	var out []Booking
	for _, db := range books {
		db.mu.Lock()
		for _, b := range db.bookings {
			if matches(key, b) {
				out = append(out, b)
			}
		}
		db.mu.Unlock()
	}
	sortBookings(out)
	return out
}

// QueueDepth counts waitlisted bookings under key.
func (l *Ledger) QueueDepth(key availability.Key) int {
	n := 0
	for _, b := range l.Matching(key) {
		if b.Waitlisted {
			n++
		}
	}
	return n
}

func matches(key availability.Key, b Booking) bool {
	if b.ServiceID != key.ServiceID || availability.DateOf(b.Start) != key.Date {
		return false
	}
	if key.ClinicID != "" && key.ClinicID != b.ClinicID {
		return false
	}
	return key.DoctorID == "" || key.DoctorID == b.DoctorID
}

func sortBookings(bs []Booking) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].Start.Equal(bs[j].Start) {
			return bs[i].AcceptedAt.Before(bs[j].AcceptedAt)
		}
		return bs[i].Start.Before(bs[j].Start)
	})
}
