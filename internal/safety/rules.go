package safety

import "strings"

// bannedCommands are bypass vectors or commands with no safe subset: shells
// and interpreters that could re-exec a blocked command, network transfer
// tools, privilege escalation, package managers, and system/network
// modification. Grounded on VTCode's shell.BannedCommands list.
var bannedCommands = map[string]struct{}{
	"bash": {}, "zsh": {}, "fish": {}, "csh": {}, "tcsh": {}, "ksh": {}, "dash": {},
	"env": {}, "nohup": {}, "xargs": {}, "strace": {}, "ltrace": {},
	"python": {}, "python3": {}, "python2": {}, "node": {}, "ruby": {}, "perl": {},
	"php": {}, "lua": {}, "tclsh": {}, "wish": {},
	"aria2c": {}, "axel": {}, "curl": {}, "curlie": {}, "http-prompt": {}, "httpie": {},
	"links": {}, "lynx": {}, "nc": {}, "ncat": {}, "scp": {}, "sftp": {}, "ssh": {},
	"telnet": {}, "w3m": {}, "wget": {}, "xh": {},
	"su": {},
	"apk": {}, "apt": {}, "apt-cache": {}, "apt-get": {}, "dnf": {}, "dpkg": {}, "emerge": {},
	"home-manager": {}, "makepkg": {}, "opkg": {}, "pacman": {}, "paru": {}, "pkg": {},
	"pkg_add": {}, "pkg_delete": {}, "portage": {}, "rpm": {}, "yay": {}, "yum": {}, "zypper": {},
	"at": {}, "batch": {}, "chkconfig": {}, "crontab": {}, "fdisk": {}, "mount": {},
	"parted": {}, "service": {}, "systemctl": {}, "umount": {},
	"firewall-cmd": {}, "ifconfig": {}, "ip": {}, "iptables": {}, "netstat": {}, "pfctl": {},
	"route": {}, "ufw": {},
}

// Note: "sh" is deliberately absent from bannedCommands — it is intercepted
// earlier by isShellInvocation/extractShellScript so its embedded script is
// evaluated rather than blanket-denied.

func bannedCommandRule(argv []string) (handled, allowed bool, ruleName string) {
	if _, ok := bannedCommands[argv[0]]; ok {
		return true, false, "banned command: " + argv[0]
	}
	return false, false, ""
}

// gitAllowedSubcommands are read-only/inspection git subcommands; everything
// else (push, pull, reset, clean, rebase, …) denies.
var gitAllowedSubcommands = map[string]struct{}{
	"status": {}, "log": {}, "branch": {}, "diff": {}, "show": {},
}

func gitRule(argv []string) (handled, allowed bool, ruleName string) {
	if argv[0] != "git" {
		return false, false, ""
	}
	if len(argv) < 2 {
		return true, false, "git: no subcommand"
	}
	if _, ok := gitAllowedSubcommands[argv[1]]; ok {
		return true, true, "git " + argv[1]
	}
	return true, false, "git " + argv[1] + ": not in allowlist {status,log,branch,diff,show}"
}

// rmRule denies any rm invocation with -r/-f/-rf targeting "/", "~", "." with
// no further path component, or lacking an explicit path entirely.
func rmRule(argv []string) (handled, allowed bool, ruleName string) {
	if argv[0] != "rm" {
		return false, false, ""
	}
	var paths []string
	recursive, force := false, false
	for _, a := range argv[1:] {
		if strings.HasPrefix(a, "-") {
			if strings.ContainsAny(a, "rR") {
				recursive = true
			}
			if strings.Contains(a, "f") {
				force = true
			}
			continue
		}
		paths = append(paths, a)
	}
	if len(paths) == 0 {
		return true, false, "rm: no explicit path"
	}
	if recursive || force {
		for _, p := range paths {
			if isDangerousRmTarget(p) {
				return true, false, "rm -r/-f targeting " + p
			}
		}
	}
	return true, true, "rm"
}

func isDangerousRmTarget(p string) bool {
	switch p {
	case "/", "~", ".", "..", "/*", "~/*", "./*":
		return true
	}
	return false
}

// findRule allows find generally but blacklists flags that execute
// arbitrary commands or delete matches.
var findBlacklistedFlags = map[string]struct{}{
	"-delete": {}, "-exec": {}, "-execdir": {}, "-ok": {}, "-okdir": {},
}

func findRule(argv []string) (handled, allowed bool, ruleName string) {
	if argv[0] != "find" {
		return false, false, ""
	}
	for _, a := range argv[1:] {
		if _, ok := findBlacklistedFlags[a]; ok {
			return true, false, "find " + a
		}
	}
	return true, true, "find"
}

// destructiveSystemCommands have no safe subset at all.
var destructiveSystemCommands = map[string]struct{}{
	"dd": {}, "shutdown": {}, "reboot": {},
}

func destructiveSystemRule(argv []string) (handled, allowed bool, ruleName string) {
	if strings.HasPrefix(argv[0], "mkfs") {
		return true, false, "mkfs*"
	}
	if _, ok := destructiveSystemCommands[argv[0]]; ok {
		return true, false, argv[0]
	}
	return false, false, ""
}

var cargoAllowedSubcommands = map[string]struct{}{
	"build": {}, "test": {}, "check": {}, "fmt": {}, "clippy": {},
}

func cargoRule(argv []string) (handled, allowed bool, ruleName string) {
	if argv[0] != "cargo" {
		return false, false, ""
	}
	if len(argv) < 2 {
		return true, false, "cargo: no subcommand"
	}
	if _, ok := cargoAllowedSubcommands[argv[1]]; ok {
		return true, true, "cargo " + argv[1]
	}
	return true, false, "cargo " + argv[1] + ": not in allowlist {build,test,check,fmt,clippy}"
}

// packageManagerInstallRule blocks global/arbitrary installs for ecosystem
// package managers that are otherwise useful for local project work
// (npm run, pnpm run, etc. are unaffected).
func packageManagerInstallRule(argv []string) (handled, allowed bool, ruleName string) {
	switch argv[0] {
	case "npm":
		if hasSubcommand(argv, "install") && (hasFlag(argv, "-g") || hasFlag(argv, "--global")) {
			return true, false, "npm install -g"
		}
	case "pnpm":
		if hasSubcommand(argv, "add") && (hasFlag(argv, "-g") || hasFlag(argv, "--global")) {
			return true, false, "pnpm add -g"
		}
	case "yarn":
		if hasSubcommand(argv, "global") {
			return true, false, "yarn global"
		}
	case "pip", "pip3":
		if hasSubcommand(argv, "install") {
			return true, false, argv[0] + " install"
		}
	case "gem":
		if hasSubcommand(argv, "install") {
			return true, false, "gem install"
		}
	case "go":
		if hasSubcommand(argv, "install") {
			return true, false, "go install"
		}
		if hasSubcommand(argv, "test") && hasFlag(argv, "-exec") {
			return true, false, "go test -exec"
		}
	}
	return false, false, ""
}

func hasSubcommand(argv []string, sub string) bool {
	return len(argv) > 1 && argv[1] == sub
}

func hasFlag(argv []string, flag string) bool {
	for _, a := range argv[1:] {
		if a == flag {
			return true
		}
	}
	return false
}

// defaultRules is the ordered rule table; the first rule that "handles" an
// argv wins. Order matters only in that banned-command / destructive-system
// checks run before the per-tool allowlists, so e.g. "sudo rm -rf /" is
// caught by rmRule after sudo unwrap regardless of rule order here.
func defaultRules() []rule {
	return []rule{
		bannedCommandRule,
		destructiveSystemRule,
		gitRule,
		rmRule,
		findRule,
		cargoRule,
		packageManagerInstallRule,
	}
}
