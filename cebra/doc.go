/*
	Package cebra holds the types, constants and functions shared by every layer of the
	block engine: integer voxel points, voxel resolutions and conversions between them,
	scalar data types, the error taxonomy, logging and payload serialization.  It has no
	dependencies on the other packages of this module.
*/
package cebra
