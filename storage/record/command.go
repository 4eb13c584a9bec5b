package record

import "fmt"

type Kind uint8

const (
	KindSet    Kind = 1
	KindRemove Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindSet:
		return "set"
	case KindRemove:
		return "remove"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Command is one mutation of the store as it is recorded in the log.
// Value is only meaningful for KindSet.
type Command struct {
	Kind  Kind
	Key   string
	Value []byte
}

func Set(key string, value []byte) Command {
	return Command{Kind: KindSet, Key: key, Value: value}
}

func Remove(key string) Command {
	return Command{Kind: KindRemove, Key: key}
}
