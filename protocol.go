package memcache

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
)

var crlf = []byte("\r\n")

var (
	respStored    = []byte("STORED")
	respNotStored = []byte("NOT_STORED")
	respExists    = []byte("EXISTS")
	respNotFound  = []byte("NOT_FOUND")
	respDeleted   = []byte("DELETED")
	respEnd       = []byte("END")
	respOK        = []byte("OK")

	prefixValue       = []byte("VALUE ")
	prefixStat        = []byte("STAT ")
	prefixVersion     = []byte("VERSION ")
	prefixError       = []byte("ERROR")
	prefixClientError = []byte("CLIENT_ERROR ")
	prefixServerError = []byte("SERVER_ERROR ")
)

func writeStorage(w *bufio.Writer, mode StoreMode, it *Item, exptime int64) error {
	w.WriteString(mode.String())
	w.WriteByte(' ')
	w.WriteString(it.Key)
	w.WriteByte(' ')
	if mode == ModeAppend || mode == ModePrepend {
		w.WriteString("0 0")
	} else {
		w.WriteString(strconv.FormatUint(uint64(it.Flags), 10))
		w.WriteByte(' ')
		w.WriteString(strconv.FormatInt(exptime, 10))
	}
	w.WriteByte(' ')
	w.WriteString(strconv.Itoa(len(it.Value)))
	if mode == ModeCAS {
		w.WriteByte(' ')
		w.WriteString(strconv.FormatUint(it.CAS, 10))
	}
	w.Write(crlf)
	w.Write(it.Value)
	_, err := w.Write(crlf)
	return err
}

func writeRetrieval(w *bufio.Writer, withCAS bool, keys []string) error {
	if withCAS {
		w.WriteString("gets")
	} else {
		w.WriteString("get")
	}
	for _, k := range keys {
		w.WriteByte(' ')
		w.WriteString(k)
	}
	_, err := w.Write(crlf)
	return err
}

func writeCommand(w *bufio.Writer, args ...string) error {
	w.WriteString(strings.Join(args, " "))
	_, err := w.Write(crlf)
	return err
}

// readLine returns the next CRLF-terminated line without its terminator.
// The slice is only valid until the next read.
func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadSlice('\n')
	if err != nil {
		if err == io.EOF && len(line) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, &ProtocolError{Line: string(line)}
	}
	return line[:len(line)-2], nil
}

// replyError maps the protocol's error lines to typed errors. It returns
// nil for any other line.
func replyError(line []byte) error {
	switch {
	case bytes.Equal(line, prefixError):
		return &ClientError{}
	case bytes.HasPrefix(line, prefixClientError):
		return &ClientError{Msg: string(line[len(prefixClientError):])}
	case bytes.HasPrefix(line, prefixServerError):
		return &ServerError{Msg: string(line[len(prefixServerError):])}
	case bytes.HasPrefix(line, []byte("ERROR ")):
		return &ClientError{Msg: string(line[len("ERROR "):])}
	}
	return nil
}

func unexpected(line []byte) error {
	if err := replyError(line); err != nil {
		return err
	}
	return &ProtocolError{Line: string(line)}
}

// readValues consumes VALUE blocks up to END.
func readValues(r *bufio.Reader, withCAS bool, fn func(*Item)) error {
	for {
		line, err := readLine(r)
		if err != nil {
			return err
		}
		if bytes.Equal(line, respEnd) {
			return nil
		}
		it, n, err := parseValueHeader(line, withCAS)
		if err != nil {
			return err
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return err
		}
		if !bytes.Equal(buf[n:], crlf) {
			return &ProtocolError{Line: "missing data terminator for " + it.Key}
		}
		it.Value = buf[:n:n]
		fn(it)
	}
}

// parseValueHeader parses "VALUE <key> <flags> <bytes> [<cas>]".
func parseValueHeader(line []byte, withCAS bool) (*Item, int, error) {
	if !bytes.HasPrefix(line, prefixValue) {
		return nil, 0, unexpected(line)
	}
	fields := strings.Fields(string(line[len(prefixValue):]))
	if len(fields) < 3 || (withCAS && len(fields) < 4) {
		return nil, 0, &ProtocolError{Line: string(line)}
	}
	flags, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return nil, 0, &ProtocolError{Line: string(line)}
	}
	n, err := strconv.Atoi(fields[2])
	if err != nil || n < 0 {
		return nil, 0, &ProtocolError{Line: string(line)}
	}
	it := &Item{Key: fields[0], Flags: uint32(flags)}
	if len(fields) >= 4 {
		if it.CAS, err = strconv.ParseUint(fields[3], 10, 64); err != nil {
			return nil, 0, &ProtocolError{Line: string(line)}
		}
	}
	return it, n, nil
}

func readStoreResult(r *bufio.Reader) (StoreResult, error) {
	line, err := readLine(r)
	if err != nil {
		return 0, err
	}
	switch {
	case bytes.Equal(line, respStored):
		return Stored, nil
	case bytes.Equal(line, respNotStored):
		return NotStored, nil
	case bytes.Equal(line, respExists):
		return Exists, nil
	case bytes.Equal(line, respNotFound):
		return NotFound, nil
	}
	return 0, unexpected(line)
}

func readDeleteResult(r *bufio.Reader) (bool, error) {
	line, err := readLine(r)
	if err != nil {
		return false, err
	}
	switch {
	case bytes.Equal(line, respDeleted):
		return true, nil
	case bytes.Equal(line, respNotFound):
		return false, nil
	}
	return false, unexpected(line)
}

// readCounter parses an incr/decr reply. found is false for NOT_FOUND.
func readCounter(r *bufio.Reader) (value uint64, found bool, err error) {
	line, err := readLine(r)
	if err != nil {
		return 0, false, err
	}
	if bytes.Equal(line, respNotFound) {
		return 0, false, nil
	}
	// some servers pad decremented values with trailing spaces
	v, perr := strconv.ParseUint(string(bytes.TrimRight(line, " ")), 10, 64)
	if perr != nil {
		return 0, false, unexpected(line)
	}
	return v, true, nil
}

func readOK(r *bufio.Reader) error {
	line, err := readLine(r)
	if err != nil {
		return err
	}
	if bytes.Equal(line, respOK) {
		return nil
	}
	return unexpected(line)
}

func readVersion(r *bufio.Reader) (string, error) {
	line, err := readLine(r)
	if err != nil {
		return "", err
	}
	if !bytes.HasPrefix(line, prefixVersion) {
		return "", unexpected(line)
	}
	return string(line[len(prefixVersion):]), nil
}

func readStats(r *bufio.Reader) (Stats, error) {
	stats := make(Stats)
	for {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(line, respEnd) {
			return stats, nil
		}
		if !bytes.HasPrefix(line, prefixStat) {
			return nil, unexpected(line)
		}
		name, value, ok := strings.Cut(string(line[len(prefixStat):]), " ")
		if !ok || name == "" {
			return nil, &ProtocolError{Line: string(line)}
		}
		stats[name] = parseStatValue(name, value)
	}
}
