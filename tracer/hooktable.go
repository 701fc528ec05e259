package tracer

import "github.com/grubmultiboot/mbsup/domain"

// resolvedHook pairs a domain.HookSpec with its amd64 syscall number,
// resolved once at registration time (spec §3 Hook Spec: "Resolved at hook
// registration into a numeric syscall id for the native ABI").
type resolvedHook struct {
	domain.HookSpec
}

// buildPathArgHookTable resolves domain.PathArgHooks against the running
// ABI's syscall numbers, keyed by syscall number, and skips any hook whose
// name has no native-ABI number (§3: compat-only numbers like stat64 are
// absent on amd64).
func buildPathArgHookTable(numbers map[string]int) map[int]resolvedHook {
	table := make(map[int]resolvedHook)
	for _, spec := range domain.PathArgHooks {
		num, ok := numbers[spec.Name]
		if !ok || num < 0 {
			continue
		}
		spec.SyscallNum = num
		table[num] = resolvedHook{HookSpec: spec}
	}
	return table
}

// buildFDLifecycleHookTable resolves domain.FDLifecycleHooks the same way.
func buildFDLifecycleHookTable(numbers map[string]int) map[int]string {
	table := make(map[int]string)
	for _, name := range domain.FDLifecycleHooks {
		num, ok := numbers[name]
		if !ok || num < 0 {
			continue
		}
		table[num] = name
	}
	return table
}
