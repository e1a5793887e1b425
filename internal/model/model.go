// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

// Package model holds the durable entities the control plane tracks. These
// are storage-representation-agnostic; internal/durablestore maps them to
// and from Postgres rows.
package model

import "time"

// GigabyteBytes fixes 1 GB = 2^30 bytes throughout the core.
const GigabyteBytes int64 = 1 << 30

// RouterStatus is the derived online/offline state of a router.
type RouterStatus string

const (
	RouterOnline  RouterStatus = "online"
	RouterOffline RouterStatus = "offline"
)

// Router is an edge captive-portal router entity. Created externally by an
// admin action; mutated only by the inbound router endpoint and the status
// aggregator; never deleted by the core.
type Router struct {
	ID           string
	Token        string
	Address      string
	Name         string
	RadiusSecret string
	Status       RouterStatus
	LastSeen     time.Time
}

// AccountingSession is a RADIUS accounting session tracked by the core.
// StopTime nil means the session is still active. Mutated by the RADIUS
// accounting store; read-only to the core except the reconciler and the DAE
// server, which may close it with TerminateCause "admin-reset".
type AccountingSession struct {
	SessionID        string
	Username         string
	RouterID         string
	NASIP            string
	CallingStationID string
	StartTime        time.Time
	StopTime         *time.Time
	InputOctets      int64
	OutputOctets     int64
	TerminateCause   string
}

// Active reports whether the session has not yet been stopped.
func (s *AccountingSession) Active() bool { return s.StopTime == nil }

// QuotaType distinguishes the class of quota a record enforces.
type QuotaType string

// QuotaRecord maps (username, quota-type) to a usage window. At most one
// record is active per (username, quota-type) where now falls in
// [PeriodStart, PeriodEnd). UsedOctets is written only by durable-store
// triggers reacting to accounting updates; the core never writes it.
type QuotaRecord struct {
	Username    string
	QuotaType   QuotaType
	PeriodStart time.Time
	PeriodEnd   time.Time
	MaxOctets   int64
	UsedOctets  int64
}

// Remaining returns max(0, MaxOctets-UsedOctets).
func (q *QuotaRecord) Remaining() int64 {
	r := q.MaxOctets - q.UsedOctets
	if r < 0 {
		return 0
	}
	return r
}

// ActiveAt reports whether now falls within [PeriodStart, PeriodEnd).
func (q *QuotaRecord) ActiveAt(now time.Time) bool {
	return !now.Before(q.PeriodStart) && now.Before(q.PeriodEnd)
}

// ReplyAttributeName enumerates the two RADIUS reply attributes the core
// owns. It writes no others.
type ReplyAttributeName string

const (
	AttrDataRemaining  ReplyAttributeName = "data-remaining"
	AttrSessionTimeout ReplyAttributeName = "session-timeout"
)

// ReplyAttribute is a (username, attribute-name) -> value RADIUS reply tuple.
type ReplyAttribute struct {
	Username  string
	Attribute ReplyAttributeName
	Op        string
	Value     string
}

// DisconnectReason enumerates why a disconnect-queue item was enqueued.
type DisconnectReason string

const (
	ReasonQuotaExceeded DisconnectReason = "quota-exceeded"
	ReasonPlanExpired   DisconnectReason = "plan-expired"
	ReasonAdmin         DisconnectReason = "admin"
)

// DisconnectItem is a durable, append-only disconnect-queue row. Processed
// transitions exactly once; items survive process restarts.
type DisconnectItem struct {
	ID        int64
	Username  string
	Reason    DisconnectReason
	CreatedAt time.Time
	Processed bool
}

// EndUser is the minimal projection of an end user the core needs to decide
// whether they should be disabled (no active plan, pending disconnect,
// explicit reject attribute).
type EndUser struct {
	Username string
	Disabled bool
}

// UserPlan is the minimal projection of a billing plan the core needs to
// know whether a user currently has an active plan.
type UserPlan struct {
	Username  string
	PlanID    string
	ExpiresAt time.Time
}

// Active reports whether the plan has not yet expired as of now.
func (p *UserPlan) Active(now time.Time) bool { return now.Before(p.ExpiresAt) }
