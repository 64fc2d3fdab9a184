package models

import "time"

type Account struct {
	ID        int64
	Name      string
	Verifier  string // hex-encoded PBKDF2 hash
	Pubkey    string
	LastLogin time.Time
}

// ActiveSession mirrors a live connection for the admin views. The table is
// truncated on server start.
type ActiveSession struct {
	Account   string
	IP        string
	Port      int
	LoginTime time.Time
}

type LoginRecord struct {
	Account   string
	IP        string
	Port      int
	Timestamp time.Time
}

type TrafficStat struct {
	Account  string
	Sent     int64
	Accepted int64
}

type Contact struct {
	Owner   string
	Contact string
}
