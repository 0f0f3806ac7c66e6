// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

type Metrics interface {
	IncRTCSessions(role string)
	DecRTCSessions(role string)
	IncRTCRooms()
	DecRTCRooms()
	IncRTCConnState(state string)
	IncRTPPackets(direction string)
	AddRTPPacketBytes(direction string, value int)
	IncRTCPPackets(direction string)
	IncRTCErrors(errType string)
	IncDroppedPackets(reason string)
}
