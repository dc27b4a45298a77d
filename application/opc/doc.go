// Package opc implements the wire format of Open Pixel Control (OPC),
// a protocol for streaming colors to arrays of RGB lights.
//
// Every message is a 4 byte header followed by a payload:
//
//	byte 0    channel (0 = broadcast, by convention of the receiver)
//	byte 1    command (0 = set pixels)
//	byte 2-3  payload length, big-endian
//	byte 4-   payload
//
// Reference: http://openpixelcontrol.org/
package opc
