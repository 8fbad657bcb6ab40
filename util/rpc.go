package util

import (
	"net/rpc"

	"dcap"
)

// Call dials srv, invokes rpcname and closes the connection.
func Call(srv dcap.ServerAddress, rpcname string, args interface{}, reply interface{}) error {
	c, errx := rpc.Dial("tcp", string(srv))
	if errx != nil {
		return errx
	}
	defer c.Close()

	return c.Call(rpcname, args, reply)
}
