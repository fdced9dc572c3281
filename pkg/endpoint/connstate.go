package endpoint

// ConnState is the TCP connection state as seen by the transmit path.
type ConnState int32

const (
	StateClosed = ConnState(iota)
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateCloseWait
	StateFinWait1
	StateFinWait2
	StateClosing
	StateLastAck
	StateTimeWait
)

func (s ConnState) String() (txt string) {
	switch s {
	case StateClosed:
		txt = "CLOSED"
	case StateListen:
		txt = "LISTEN"
	case StateSynSent:
		txt = "SYN-SENT"
	case StateSynReceived:
		txt = "SYN-RECEIVED"
	case StateEstablished:
		txt = "ESTABLISHED"
	case StateCloseWait:
		txt = "CLOSE-WAIT"
	case StateFinWait1:
		txt = "FIN-WAIT-1"
	case StateFinWait2:
		txt = "FIN-WAIT-2"
	case StateClosing:
		txt = "CLOSING"
	case StateLastAck:
		txt = "LAST-ACK"
	case StateTimeWait:
		txt = "TIME-WAIT"
	default:
		panic("unknown state")
	}
	return txt
}

// Synchronised reports whether the three-way handshake has completed;
// sending data is only legal on a synchronised connection.
func (s ConnState) Synchronised() bool {
	switch s {
	case StateEstablished, StateCloseWait, StateFinWait1, StateFinWait2, StateClosing, StateLastAck, StateTimeWait:
		return true
	}
	return false
}
