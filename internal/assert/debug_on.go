//go:build shmdebug

package assert

const enabled = true
