package process

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"
)

// sysProcAttr places the child in a new process group and, when name is set,
// switches it to that user and its groups.
func sysProcAttr(name string) (*syscall.SysProcAttr, error) {
	attrs := &syscall.SysProcAttr{Setpgid: true}
	if name == "" {
		return attrs, nil
	}
	cred, err := lookupCredential(name)
	if err != nil {
		return nil, err
	}
	if int(cred.Uid) == os.Getuid() && int(cred.Gid) == os.Getgid() {
		return attrs, nil
	}
	attrs.Credential = cred
	return attrs, nil
}

// lookupCredential accepts a user name or a numeric uid.
func lookupCredential(name string) (*syscall.Credential, error) {
	u, err := user.Lookup(name)
	if err != nil {
		if _, convErr := strconv.Atoi(name); convErr != nil {
			return nil, fmt.Errorf("user %q: %w", name, err)
		}
		if u, err = user.LookupId(name); err != nil {
			return nil, fmt.Errorf("user %q: %w", name, err)
		}
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("user %q: uid %q: %w", name, u.Uid, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("user %q: gid %q: %w", name, u.Gid, err)
	}
	cred := &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	if ids, err := u.GroupIds(); err == nil {
		for _, s := range ids {
			if g, err := strconv.ParseUint(s, 10, 32); err == nil && uint32(g) != cred.Gid {
				cred.Groups = append(cred.Groups, uint32(g))
			}
		}
	}
	return cred, nil
}
