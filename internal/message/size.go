package message

import "encoding/json"

// EncodedLen is the UTF-8 byte length of the message as it travels on the
// wire. The dispatcher's buffer accounting is in these units.
func EncodedLen(m Message) int {
	return encodedLen(m)
}

func encodedLen(m Message) int {
	b, err := json.Marshal(m)
	if err != nil {
		return 0
	}
	return len(b)
}
