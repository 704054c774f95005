package queue

import "fmt"

const tablePrefix = "queue_"

// MaxNameLen keeps tablePrefix+name within the 63 byte identifier limit of
// both SQL engines.
const MaxNameLen = 63 - len(tablePrefix)

// ValidateName accepts non-empty names made of ASCII letters, digits and
// underscores.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidQueueName)
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("%w: %q longer than %d bytes", ErrInvalidQueueName, name, MaxNameLen)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidQueueName, name, rune(c))
		}
	}
	return nil
}

// TableName maps a queue name to its table identifier. The result is safe to
// splice into SQL text.
func TableName(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return tablePrefix + name, nil
}
