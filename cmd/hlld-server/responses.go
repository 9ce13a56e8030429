package main

// Pre-allocated reply lines. Every command replies with one of these or
// with generated START/END body lines, so the common paths allocate
// nothing.
var (
	respDone             = []byte("Done\n")
	respExists           = []byte("Exists\n")
	respDeleteInProgress = []byte("Delete in progress\n")
	respSetNotExist      = []byte("Set does not exist\n")
	respNotProxied       = []byte("Set is not proxied. Close it first.\n")
	respInternalError    = []byte("Internal Error\n")
	respStart            = []byte("START\n")
	respEnd              = []byte("END\n")

	respCmdNotSupported = []byte("Client Error: Command not supported\n")
	respBadArgs         = []byte("Client Error: Bad arguments\n")
	respSetNeeded       = []byte("Client Error: Must provide set name\n")
	respSetKeyNeeded    = []byte("Client Error: Must provide set name and key\n")
	respBadSetName      = []byte("Client Error: Bad set name\n")
)
