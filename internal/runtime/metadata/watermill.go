package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// FromWatermill copies Watermill message metadata into a Metadata map.
func FromWatermill(md message.Metadata) Metadata {
	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// ToWatermill copies the metadata into a Watermill map suitable for
// message.Message.Metadata.
func ToWatermill(md Metadata) message.Metadata {
	wm := make(message.Metadata, len(md))
	for k, v := range md {
		wm[k] = v
	}
	return wm
}
