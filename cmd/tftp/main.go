package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/subcommands"

	"github.com/mna/tftp"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&getCommand{}, "")
	subcommands.Register(&putCommand{}, "")
	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// transferFlags are the options common to get and put.
type transferFlags struct {
	addr    string
	blksize uint
	timeout time.Duration
	retries int
	tsize   bool
}

func (f *transferFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.addr, "addr", "127.0.0.1:69", "server address, host:port")
	fs.UintVar(&f.blksize, "blksize", 0, "request this block size, 0 to use the RFC 1350 default")
	fs.DurationVar(&f.timeout, "timeout", 5*time.Second, "request this per-packet timeout")
	fs.IntVar(&f.retries, "retries", 3, "retransmit attempts before giving up")
	fs.BoolVar(&f.tsize, "tsize", true, "negotiate the tsize option")
}

func (f *transferFlags) clientOptions(size uint64) tftp.ClientOptions {
	opts := tftp.ClientOptions{Blksize: uint16(f.blksize), Timeout: f.timeout}
	if f.tsize {
		opts.Tsize = &size
	}
	return opts
}

type getCommand struct {
	transferFlags
}

func (*getCommand) Name() string     { return "get" }
func (*getCommand) Synopsis() string { return "download a file from a TFTP server" }
func (*getCommand) Usage() string {
	return "get -addr host:port <remote-file> [local-file]\n"
}
func (c *getCommand) SetFlags(fs *flag.FlagSet) { c.register(fs) }

func (c *getCommand) Execute(_ context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	args := fs.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "get: missing remote file name")
		return subcommands.ExitUsageError
	}
	remote := args[0]
	local := remote
	if len(args) > 1 {
		local = args[1]
	}

	out, err := openOutput(local)
	if err != nil {
		fmt.Fprintln(os.Stderr, "get:", err)
		return subcommands.ExitFailure
	}

	client := tftp.NewClient(tftp.ClientConfig{Timeout: c.timeout, Retries: c.retries})
	start := time.Now()
	m, err := client.Get(c.addr, remote, tftp.ModeOctet, c.clientOptions(0), out)
	if err != nil {
		fmt.Fprintln(os.Stderr, "get:", explainTransferError(err))
		return subcommands.ExitFailure
	}
	reportTransfer(remote, m, time.Since(start))
	return subcommands.ExitSuccess
}

type putCommand struct {
	transferFlags
}

func (*putCommand) Name() string     { return "put" }
func (*putCommand) Synopsis() string { return "upload a file to a TFTP server" }
func (*putCommand) Usage() string {
	return "put -addr host:port <local-file> [remote-file]\n"
}
func (c *putCommand) SetFlags(fs *flag.FlagSet) { c.register(fs) }

func (c *putCommand) Execute(_ context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	args := fs.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "put: missing local file name")
		return subcommands.ExitUsageError
	}
	local := args[0]
	remote := local
	if len(args) > 1 {
		remote = args[1]
	}

	in, size, err := openInput(local)
	if err != nil {
		fmt.Fprintln(os.Stderr, "put:", err)
		return subcommands.ExitFailure
	}

	client := tftp.NewClient(tftp.ClientConfig{Timeout: c.timeout, Retries: c.retries})
	start := time.Now()
	m, err := client.Put(c.addr, remote, tftp.ModeOctet, c.clientOptions(size), in, size)
	if err != nil {
		fmt.Fprintln(os.Stderr, "put:", explainTransferError(err))
		return subcommands.ExitFailure
	}
	reportTransfer(remote, m, time.Since(start))
	return subcommands.ExitSuccess
}

// openOutput resolves the CLI's destination argument to a writable
// stream: "-" is stdout (never closed by the caller), anything else is a
// created-or-truncated file.
func openOutput(spec string) (io.WriteCloser, error) {
	if spec == "-" {
		return nopWriteCloser{os.Stdout}, nil
	}
	return os.Create(spec)
}

// openInput resolves the CLI's source argument the same way, additionally
// reporting the stream's size when known ("-" reports 0, meaning tsize is
// not meaningfully negotiable from stdin).
func openInput(spec string) (io.ReadCloser, uint64, error) {
	if spec == "-" {
		return nopReadCloser{os.Stdin}, 0, nil
	}
	f, err := os.Open(spec)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, uint64(info.Size()), nil
}

// explainTransferError adds a short category in front of whatever
// Session.Err() actually returned, so a user can tell a timeout from a
// rejected option from a server-side path problem at a glance instead of
// reading a raw wire error string.
func explainTransferError(err error) string {
	var wireErr *tftp.ErrorPacket
	var optErr *tftp.OptionNegotiationError
	var protoErr *tftp.ProtocolViolationError
	var timeoutErr *tftp.TimeoutError
	switch {
	case errors.As(err, &wireErr):
		return fmt.Sprintf("server rejected the request (%s): %s", wireErr.Code, wireErr.Message)
	case errors.As(err, &optErr):
		return fmt.Sprintf("option negotiation: %v", optErr)
	case errors.As(err, &protoErr):
		return fmt.Sprintf("protocol error: %v", protoErr)
	case errors.As(err, &timeoutErr):
		return fmt.Sprintf("no response: %v", timeoutErr)
	default:
		return err.Error()
	}
}

func reportTransfer(name string, m tftp.Metrics, wall time.Duration) {
	fmt.Printf("%s: %s in %s (%.1f kbit/s, %d duplicate, %s resent)\n",
		name,
		humanize.Bytes(m.Bytes),
		wall.Round(time.Millisecond),
		m.KilobitsPerSecond(),
		m.Duplicates,
		humanize.Bytes(m.ResentBytes),
	)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type nopReadCloser struct{ io.Reader }

func (nopReadCloser) Close() error { return nil }
