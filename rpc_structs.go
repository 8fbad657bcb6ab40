package dcap

import (
	"time"
)

//------ Pool

type StartMoverArg struct {
	Replica ReplicaID
	Mode    IoMode
	Session SessionID

	// Passive movers wait for the client to connect to the pool and tell
	// Door where; active movers connect to Client.
	Passive bool
	Client  ServerAddress
	Door    ServerAddress

	// legacy per transfer keys: send, receive, bsize, alloc-size,
	// io-error, checksum
	Options map[string]string
}
type StartMoverReply struct {
	Mover MoverID
}

type MoverInfo struct {
	Mover            MoverID
	Replica          ReplicaID
	Session          SessionID
	Mode             IoMode
	Status           string
	BytesTransferred int64
	TransferTime     time.Duration
	LastTransferred  time.Time

	Done             bool
	Err              ErrorCode
	ErrMsg           string
	ClientChecksum   string
	ComputedChecksum string
}

type MoverInfoArg struct {
	Mover MoverID
	Wait  time.Duration // block up to Wait for the mover to finish
}
type MoverInfoReply struct {
	Info MoverInfo
}

type KillMoverArg struct {
	Mover MoverID
}
type KillMoverReply struct {
	Info MoverInfo
}

type ListMoversArg struct{}
type ListMoversReply struct {
	Movers []MoverInfo
}

type ReplicaInfo struct {
	ID               ReplicaID
	Size             int64
	ClientChecksum   string
	ComputedChecksum string
	Modified         time.Time
}

type ReportReplicasArg struct{}
type ReportReplicasReply struct {
	Replicas []ReplicaInfo
	Degraded bool
	Used     int64
	Total    int64
}

//------ Door

// PassiveIoMessage tells a door where the client of a passive transfer has
// to connect and what challenge to present.
type PassiveIoMessage struct {
	Pool      ServerAddress
	Session   SessionID
	Address   ServerAddress
	Challenge []byte
}
type PassiveIoReply struct{}
