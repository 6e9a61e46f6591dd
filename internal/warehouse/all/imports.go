// Package all wires every built-in warehouse backend into the factory.
//
// Importing it (usually blank, from the wiring layer) runs the init
// functions of each backend package, which register their factories with
// the warehouse package:
//
//	_ "crmsync/internal/warehouse/all"
//
// A binary that should support only a subset of backends can blank-import
// the individual backend packages instead.
package all

import (
	_ "crmsync/internal/warehouse/mssql"
	_ "crmsync/internal/warehouse/mysql"
	_ "crmsync/internal/warehouse/postgres"
	_ "crmsync/internal/warehouse/sqlite"
)
