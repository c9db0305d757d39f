// Package ibkr implements the broker session layer: a typed
// request/response and subscription API over the gateway's correlated
// event-stream socket protocol.
package ibkr

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// Outbound message codes.
const (
	outReqMktData         = 1
	outCancelMktData      = 2
	outPlaceOrder         = 3
	outCancelOrder        = 4
	outReqOpenOrders      = 5
	outReqAccountUpdates  = 6
	outReqExecutions      = 7
	outReqRealTimeBars    = 50
	outCancelRealTimeBars = 51
	outReqHistoricalTicks = 96
	outReqCompletedOrders = 99
)

// Inbound message codes.
const (
	inTickPrice           = 1
	inTickSize            = 2
	inOrderStatus         = 3
	inErrMsg              = 4
	inOpenOrder           = 5
	inAccountValue        = 6
	inPortfolioValue      = 7
	inNextValidID         = 9
	inExecDetails         = 11
	inRealTimeBars        = 50
	inOpenOrderEnd        = 53
	inAccountDownloadEnd  = 54
	inExecDetailsEnd      = 55
	inCommissionReport    = 59
	inHistoricalTicksLast = 98
	inCompletedOrder      = 101
	inCompletedOrdersEnd  = 102
)

// informationalCodes lists broker diagnostic codes that carry no failure
// semantics for any in-flight request. They are logged and swallowed.
var informationalCodes = map[int]bool{
	1101: true, // connectivity restored, data lost
	1102: true, // connectivity restored, data maintained
	2100: true, // account updates overridden
	2104: true, // market data farm connection OK
	2106: true, // HMDS data farm connection OK
	2107: true, // HMDS data farm inactive
	2108: true, // market data farm inactive
	2150: true, // invalid position trade derivative
	2158: true, // sec-def data farm connection OK
}

// Message is one decoded frame: a numeric code plus its NUL-separated
// fields, in wire order.
type Message struct {
	Code   int
	Fields []string
}

// field returns field i or "" when the frame is short.
func (m *Message) field(i int) string {
	if i < 0 || i >= len(m.Fields) {
		return ""
	}
	return m.Fields[i]
}

func (m *Message) fieldInt(i int) int {
	v, _ := strconv.Atoi(m.field(i))
	return v
}

func (m *Message) fieldInt64(i int) int64 {
	v, _ := strconv.ParseInt(m.field(i), 10, 64)
	return v
}

// fieldPrice parses a wire price. The gateway sends prices as decimal
// strings; parsing through decimal avoids float artifacts on the wire
// boundary before the value enters domain structs.
func (m *Message) fieldPrice(i int) float64 {
	d, err := decimal.NewFromString(m.field(i))
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

// encodeFrame renders an outbound message: 4-byte big-endian length prefix
// followed by NUL-terminated fields, the code first.
func encodeFrame(code int, fields ...string) []byte {
	body := strconv.Itoa(code) + "\x00"
	for _, f := range fields {
		body += f + "\x00"
	}
	frame := make([]byte, 4+len(body))
	frame[0] = byte(len(body) >> 24)
	frame[1] = byte(len(body) >> 16)
	frame[2] = byte(len(body) >> 8)
	frame[3] = byte(len(body))
	copy(frame[4:], body)
	return frame
}

// priceField renders a price for the wire; empty for unset optional prices.
func priceField(p *float64) string {
	if p == nil {
		return ""
	}
	return decimal.NewFromFloat(*p).String()
}

func intField(v int64) string   { return strconv.FormatInt(v, 10) }
func qtyField(q float64) string { return decimal.NewFromFloat(q).String() }
func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// errMsg is the decoded form of an inbound error frame.
type errMsg struct {
	ReqID int32
	Code  int
	Text  string
}

func decodeErrMsg(m *Message) errMsg {
	return errMsg{
		ReqID: int32(m.fieldInt(1)),
		Code:  m.fieldInt(2),
		Text:  m.field(3),
	}
}

func (e errMsg) Error() string {
	return fmt.Sprintf("broker error %d: %s", e.Code, e.Text)
}

// informational reports whether the code is in the known diagnostic set.
func (e errMsg) informational() bool {
	return informationalCodes[e.Code]
}
