package protocol

import "fmt"

// Command is the wire operation code. Numeric values are a compatibility
// contract with the relay, do not renumber.
type Command uint8

const (
	CmdResponse     Command = 0
	CmdLogin        Command = 2 // server-side login, unused in device flow
	CmdPing         Command = 6
	CmdTweet        Command = 12
	CmdNotify       Command = 14
	CmdBridge       Command = 15
	CmdHardwareSync Command = 16
	CmdInternal     Command = 17
	CmdProperty     Command = 19
	CmdHardware     Command = 20
	CmdDeviceLogin  Command = 29
	CmdRedirect     Command = 41
	CmdDebugPrint   Command = 55 // reserved, relay never sends it
	CmdEventLog     Command = 64
)

func (c Command) String() string {
	switch c {
	case CmdResponse:
		return "rsp"
	case CmdLogin:
		return "login"
	case CmdPing:
		return "ping"
	case CmdTweet:
		return "tweet"
	case CmdNotify:
		return "notify"
	case CmdBridge:
		return "bridge"
	case CmdHardwareSync:
		return "hw-sync"
	case CmdInternal:
		return "internal"
	case CmdProperty:
		return "property"
	case CmdHardware:
		return "hw"
	case CmdDeviceLogin:
		return "device-login"
	case CmdRedirect:
		return "redirect"
	case CmdDebugPrint:
		return "dbg-print"
	case CmdEventLog:
		return "event-log"
	}
	return fmt.Sprintf("Command(%d)", uint8(c))
}

// Response status codes, carried in the header length field.
const (
	StatusSuccess      uint16 = 200
	StatusInvalidToken uint16 = 9
)

type ConnState uint32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("ConnState(%d)", uint32(s))
}
