//go:build linux

package mountmap

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fsImmutableFlag is FS_IMMUTABLE_FL from linux/fs.h, the flag set by
// `chattr +i`.
const fsImmutableFlag = 0x00000010

// ioctlAttributes flips FS_IMMUTABLE_FL with FS_IOC_GETFLAGS/FS_IOC_SETFLAGS.
// Setting the flag requires CAP_LINUX_IMMUTABLE.
type ioctlAttributes struct{}

func (ioctlAttributes) SetImmutable(f *os.File, immutable bool) error {
	fd := int(f.Fd())

	flags, err := unix.IoctlGetUint32(fd, unix.FS_IOC_GETFLAGS)
	if err != nil {
		if isUnsupported(err) {
			return fmt.Errorf("%w: %s: %w", errAttributesUnsupported, f.Name(), err)
		}
		return fmt.Errorf("get flags of %s: %w", f.Name(), err)
	}

	want := flags &^ fsImmutableFlag
	if immutable {
		want = flags | fsImmutableFlag
	}
	if want == flags {
		return nil
	}

	if err := unix.IoctlSetPointerInt(fd, unix.FS_IOC_SETFLAGS, int(want)); err != nil {
		if isUnsupported(err) {
			return fmt.Errorf("%w: %s: %w", errAttributesUnsupported, f.Name(), err)
		}
		return fmt.Errorf("set flags of %s: %w", f.Name(), err)
	}
	return nil
}

func isUnsupported(err error) bool {
	return errors.Is(err, unix.ENOTTY) ||
		errors.Is(err, unix.EOPNOTSUPP) ||
		errors.Is(err, unix.ENOSYS)
}

func platformAttributes() Attributes {
	return ioctlAttributes{}
}
