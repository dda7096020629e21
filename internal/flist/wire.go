package flist

import (
	"fmt"

	"github.com/orsync/orsync/internal/session"
	"github.com/orsync/orsync/internal/wire"
)

// Per-entry flag bits. The flag byte leads every entry and tells the
// peer which fields are inherited from the previous entry; a zero byte
// ends the list, so a real entry's flags are never zero.
const (
	flagModeSame byte = 0x02
	flagNameSame byte = 0x20
	flagNameLong byte = 0x40
	flagTimeSame byte = 0x80
)

func errPath(msg, path string) error {
	return fmt.Errorf("%s: %q: %w", msg, path, wire.ErrProtocol)
}

// Send serialises the list. Field reuse keys off the previous entry
// only, so the decoder needs a single entry of lookback.
func Send(sess *session.Session, fl []Entry) error {
	c := sess.Conn
	last := ""
	for i := range fl {
		f := &fl[i]
		prefix := sharedPrefix(last, f.Wpath)
		suffix := f.Wpath[prefix:]

		var flag byte
		if prefix > 0 {
			flag |= flagNameSame
		}
		if len(suffix) > 255 {
			flag |= flagNameLong
		}
		if i > 0 && f.Mtime == fl[i-1].Mtime {
			flag |= flagTimeSame
		}
		if i > 0 && f.Mode == fl[i-1].Mode {
			flag |= flagModeSame
		}
		if flag == 0 {
			flag = flagNameLong
		}

		sess.Log.Debug("sending file metadata",
			"path", f.Wpath, "size", f.Size, "mtime", f.Mtime, "mode", fmt.Sprintf("%o", f.Mode))

		if err := c.WriteByte(flag); err != nil {
			return fmt.Errorf("entry flags: %w", err)
		}
		if flag&flagNameSame != 0 {
			if err := c.WriteByte(byte(prefix)); err != nil {
				return fmt.Errorf("name prefix: %w", err)
			}
		}
		if flag&flagNameLong != 0 {
			if err := c.WriteInt(int32(len(suffix))); err != nil {
				return fmt.Errorf("name length: %w", err)
			}
		} else {
			if err := c.WriteByte(byte(len(suffix))); err != nil {
				return fmt.Errorf("name length: %w", err)
			}
		}
		if err := c.WriteBuf([]byte(suffix)); err != nil {
			return fmt.Errorf("name: %w", err)
		}
		if err := c.WriteLong(f.Size); err != nil {
			return fmt.Errorf("size: %w", err)
		}
		if flag&flagTimeSame == 0 {
			if err := c.WriteInt(int32(f.Mtime)); err != nil {
				return fmt.Errorf("mtime: %w", err)
			}
		}
		if flag&flagModeSame == 0 {
			if err := c.WriteInt(int32(f.Mode)); err != nil {
				return fmt.Errorf("mode: %w", err)
			}
		}
		if f.IsLink() && sess.Opts.PreserveLinks {
			if err := c.WriteInt(int32(len(f.Link))); err != nil {
				return fmt.Errorf("link length: %w", err)
			}
			if err := c.WriteBuf([]byte(f.Link)); err != nil {
				return fmt.Errorf("link: %w", err)
			}
		}
		last = f.Wpath
	}

	if err := c.WriteByte(0); err != nil {
		return fmt.Errorf("end of list: %w", err)
	}
	sess.Log.Debug("sent file metadata list", "entries", len(fl))
	return nil
}

// Recv reads a list until the zero flag byte, reconstructing paths and
// inherited fields, then re-sorts by wire path.
func Recv(sess *session.Session) ([]Entry, error) {
	c := sess.Conn
	var fl []Entry
	last := ""
	for {
		flag, err := c.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("entry flags: %w", err)
		}
		if flag == 0 {
			break
		}

		var f Entry
		prefix := 0
		if flag&flagNameSame != 0 {
			b, err := c.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("name prefix: %w", err)
			}
			prefix = int(b)
		}
		var suflen int
		if flag&flagNameLong != 0 {
			suflen, err = c.ReadSize()
			if err != nil {
				return nil, fmt.Errorf("name length: %w", err)
			}
		} else {
			b, err := c.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("name length: %w", err)
			}
			suflen = int(b)
		}
		if prefix > len(last) {
			return nil, errPath("name prefix beyond previous name", last)
		}
		suffix := make([]byte, suflen)
		if err := c.ReadBuf(suffix); err != nil {
			return nil, fmt.Errorf("name: %w", err)
		}
		f.Wpath = last[:prefix] + string(suffix)
		f.Path = f.Wpath
		if err := checkWpath(f.Wpath); err != nil {
			return nil, err
		}

		if f.Size, err = c.ReadLong(); err != nil {
			return nil, fmt.Errorf("size: %w", err)
		}
		if f.Size < 0 {
			return nil, fmt.Errorf("negative file size: %w", wire.ErrProtocol)
		}

		if flag&flagTimeSame != 0 {
			if len(fl) == 0 {
				return nil, fmt.Errorf("inherited mtime without previous entry: %w", wire.ErrProtocol)
			}
			f.Mtime = fl[len(fl)-1].Mtime
		} else {
			v, err := c.ReadInt()
			if err != nil {
				return nil, fmt.Errorf("mtime: %w", err)
			}
			f.Mtime = int64(v)
		}

		if flag&flagModeSame != 0 {
			if len(fl) == 0 {
				return nil, fmt.Errorf("inherited mode without previous entry: %w", wire.ErrProtocol)
			}
			f.Mode = fl[len(fl)-1].Mode
		} else {
			v, err := c.ReadInt()
			if err != nil {
				return nil, fmt.Errorf("mode: %w", err)
			}
			f.Mode = uint32(v)
		}

		if f.IsLink() && sess.Opts.PreserveLinks {
			n, err := c.ReadSize()
			if err != nil {
				return nil, fmt.Errorf("link length: %w", err)
			}
			if n == 0 {
				return nil, fmt.Errorf("empty link name: %w", wire.ErrProtocol)
			}
			link := make([]byte, n)
			if err := c.ReadBuf(link); err != nil {
				return nil, fmt.Errorf("link: %w", err)
			}
			f.Link = string(link)
		}

		sess.Log.Debug("received file metadata",
			"path", f.Wpath, "size", f.Size, "mtime", f.Mtime, "mode", fmt.Sprintf("%o", f.Mode))

		last = f.Wpath
		fl = append(fl, f)
	}

	SortList(fl)
	sess.Log.Debug("received file metadata list", "entries", len(fl))
	return fl, nil
}
