package tftp

import (
	"strconv"
	"strings"
	"time"
)

const (
	defaultBlksize uint16 = 512
	minBlksize     uint16 = 8
	maxBlksize     uint16 = 65464

	minTimeoutSeconds = 1
	maxTimeoutSeconds = 255

	// defaultSessionTimeout is SOCK_TIMEOUT from the original design: the
	// deadline applied to a session before any timeout option negotiation.
	defaultSessionTimeout = 5 * time.Second
	defaultRetries        = 3
)

// NegotiatedOptions holds the outcome of applying RFC 2347/2348/2349
// negotiation to a request's Options.
type NegotiatedOptions struct {
	Blksize  uint16
	Timeout  time.Duration
	Tsize    uint64
	HasTsize bool
}

// negotiate walks requested in order and returns the subset that is
// in-range and supported, together with the values the session should use.
// Unsupported or out-of-range entries are silently dropped, per RFC 2347:
// the peer must not treat their omission from the OACK as an error. A
// blksize above the supported maximum (or serverMaxBlksize) is not dropped
// but shrunk to that limit.
//
// isWrite distinguishes the direction of the tsize option: on a read
// (RRQ) the client announces 0 and the server replies with the real file
// size; on a write (WRQ) the client announces the size it intends to send.
func negotiate(requested Options, isWrite bool, fileSize uint64, haveFileSize bool, serverMaxBlksize uint16, baseTimeout time.Duration) (Options, NegotiatedOptions) {
	neg := NegotiatedOptions{Blksize: defaultBlksize, Timeout: baseTimeout}
	if serverMaxBlksize == 0 {
		serverMaxBlksize = maxBlksize
	}

	var oack Options
	for _, opt := range requested {
		switch {
		case strings.EqualFold(opt.Name, OptBlksize):
			v, err := strconv.Atoi(opt.Value)
			if err != nil || v < int(minBlksize) {
				continue
			}
			if v > int(maxBlksize) {
				v = int(maxBlksize)
			}
			if uint16(v) > serverMaxBlksize {
				v = int(serverMaxBlksize)
			}
			neg.Blksize = uint16(v)
			oack = append(oack, Option{Name: OptBlksize, Value: formatUint(uint64(v))})

		case strings.EqualFold(opt.Name, OptTimeout):
			v, err := strconv.Atoi(opt.Value)
			if err != nil || v < minTimeoutSeconds || v > maxTimeoutSeconds {
				continue
			}
			neg.Timeout = time.Duration(v) * time.Second
			oack = append(oack, Option{Name: OptTimeout, Value: formatUint(uint64(v))})

		case strings.EqualFold(opt.Name, OptTsize):
			if isWrite {
				v, err := strconv.ParseUint(opt.Value, 10, 64)
				if err != nil {
					continue
				}
				neg.Tsize = v
				neg.HasTsize = true
				oack = append(oack, Option{Name: OptTsize, Value: formatUint(v)})
			} else {
				if !haveFileSize {
					continue
				}
				neg.Tsize = fileSize
				neg.HasTsize = true
				oack = append(oack, Option{Name: OptTsize, Value: formatUint(fileSize)})
			}

		default:
			// Unrecognized option name: unsupported, omitted from the OACK.
		}
	}
	return oack, neg
}

// validateOack checks a received OACK against the options the local side
// actually requested, per the rule in §4.2: an OACK may only mention
// options the requester sent, and may shrink (never grow) a requested
// blksize.
func validateOack(requested Options, oack Options) (NegotiatedOptions, error) {
	neg := NegotiatedOptions{Blksize: defaultBlksize, Timeout: defaultSessionTimeout}
	for _, opt := range oack {
		reqValue, ok := requested.Get(opt.Name)
		if !ok {
			return neg, &OptionNegotiationError{Message: "server acknowledged unsolicited option " + opt.Name}
		}
		switch {
		case strings.EqualFold(opt.Name, OptBlksize):
			v, err := strconv.Atoi(opt.Value)
			if err != nil {
				return neg, &OptionNegotiationError{Message: "malformed blksize in OACK"}
			}
			reqV, _ := strconv.Atoi(reqValue)
			if v > reqV {
				return neg, &OptionNegotiationError{Message: "server increased blksize beyond what was requested"}
			}
			neg.Blksize = uint16(v)
		case strings.EqualFold(opt.Name, OptTimeout):
			v, err := strconv.Atoi(opt.Value)
			if err != nil {
				return neg, &OptionNegotiationError{Message: "malformed timeout in OACK"}
			}
			neg.Timeout = time.Duration(v) * time.Second
		case strings.EqualFold(opt.Name, OptTsize):
			v, err := strconv.ParseUint(opt.Value, 10, 64)
			if err != nil {
				return neg, &OptionNegotiationError{Message: "malformed tsize in OACK"}
			}
			neg.Tsize = v
			neg.HasTsize = true
		}
	}
	return neg, nil
}

// ClientOptions is the set of RFC 2347/2348/2349 options a client may ask
// to negotiate, mirroring the `options` map in the client configuration.
type ClientOptions struct {
	Blksize uint16        // 0 means "do not request"
	Timeout time.Duration // 0 means "do not request"
	Tsize   *uint64       // nil means "do not request"; RRQ always sends 0
}

// toOptions renders the client's requested options in a stable order
// (blksize, timeout, tsize), matching how a human would list them.
func (c ClientOptions) toOptions(isWrite bool, fileSize uint64) Options {
	var opts Options
	if c.Blksize != 0 {
		opts = append(opts, Option{Name: OptBlksize, Value: formatUint(uint64(c.Blksize))})
	}
	if c.Timeout != 0 {
		opts = append(opts, Option{Name: OptTimeout, Value: formatUint(uint64(c.Timeout / time.Second))})
	}
	if c.Tsize != nil {
		if isWrite {
			opts = append(opts, Option{Name: OptTsize, Value: formatUint(fileSize)})
		} else {
			opts = append(opts, Option{Name: OptTsize, Value: "0"})
		}
	}
	return opts
}
