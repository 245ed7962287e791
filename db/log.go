package db

import "gitlab.com/arcanecrypto/earnings/build"

var log = build.AddSubLogger("DBAS")
