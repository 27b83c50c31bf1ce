package domain

import "time"

// Alarm is a daily wake-up time bound to one phone.
type Alarm struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	PhoneID   string    `json:"phone_id"`
	Time      TimeOfDay `json:"time"`
	Armed     bool      `json:"armed"`
	CreatedAt time.Time `json:"created_at"`
}

type Phone struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Number    string    `json:"number"`
	Verified  bool      `json:"verified"`
	CreatedAt time.Time `json:"created_at"`
}

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	// Timezone is an IANA name used only when presenting times to the user.
	Timezone  string    `json:"timezone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Location resolves the user's timezone, falling back to UTC.
func (u User) Location() *time.Location {
	if u.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Ticket records one dispatched job so it can be revoked later.
// Exactly one of AlarmID, PhoneID, UserID is set. A ticket is open until
// EndedAt is set, and EndedAt never changes afterwards.
type Ticket struct {
	ID        string     `json:"id"`
	AlarmID   string     `json:"alarm_id,omitempty"`
	PhoneID   string     `json:"phone_id,omitempty"`
	UserID    string     `json:"user_id,omitempty"`
	JobID     string     `json:"job_id"`
	Kind      string     `json:"kind"`
	FireAt    time.Time  `json:"fire_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

func (t Ticket) Open() bool { return t.EndedAt == nil }

// Owner selects tickets by the record they are attached to.
type Owner struct {
	AlarmID string
	PhoneID string
	UserID  string
}

func AlarmOwner(id string) Owner { return Owner{AlarmID: id} }
func PhoneOwner(id string) Owner { return Owner{PhoneID: id} }
func UserOwner(id string) Owner  { return Owner{UserID: id} }

// Valid reports whether exactly one owner id is set.
func (o Owner) Valid() bool {
	n := 0
	for _, s := range []string{o.AlarmID, o.PhoneID, o.UserID} {
		if s != "" {
			n++
		}
	}
	return n == 1
}

func (o Owner) String() string {
	switch {
	case o.AlarmID != "":
		return "alarm:" + o.AlarmID
	case o.PhoneID != "":
		return "phone:" + o.PhoneID
	case o.UserID != "":
		return "user:" + o.UserID
	default:
		return "none"
	}
}

// Matches reports whether the ticket is attached to o.
func (o Owner) Matches(t Ticket) bool {
	switch {
	case o.AlarmID != "":
		return t.AlarmID == o.AlarmID
	case o.PhoneID != "":
		return t.PhoneID == o.PhoneID
	case o.UserID != "":
		return t.UserID == o.UserID
	default:
		return false
	}
}

// Attach sets the owner ids on t.
func (o Owner) Attach(t *Ticket) {
	t.AlarmID, t.PhoneID, t.UserID = o.AlarmID, o.PhoneID, o.UserID
}
