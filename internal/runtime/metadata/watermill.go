package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// FromWatermill converts Watermill metadata into Properties.
func FromWatermill(md message.Metadata) Properties {
	if len(md) == 0 {
		return Properties{}
	}
	return FromMap(md)
}

// ToWatermill converts Properties into a Watermill metadata map.
func ToWatermill(p Properties) message.Metadata {
	return message.Metadata(p.ToMap())
}
