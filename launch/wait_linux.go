package launch

import "golang.org/x/sys/unix"

// blockUntilWaitable waits for pid to exit without reaping it.
func blockUntilWaitable(pid int) (bool, error) {
	var info unix.Siginfo
	for {
		err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if err != unix.EINTR {
			return err == nil, err
		}
	}
}
