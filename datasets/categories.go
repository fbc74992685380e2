package datasets

import "slices"

// Categories of the MVTec AD dataset, one directory each under the dataset
// root.
var Categories = []string{
	"bottle",
	"cable",
	"capsule",
	"carpet",
	"grid",
	"hazelnut",
	"leather",
	"metal_nut",
	"pill",
	"screw",
	"tile",
	"toothbrush",
	"transistor",
	"wood",
	"zipper",
}

// IsCategory reports whether name is one of Categories.
func IsCategory(name string) bool {
	return slices.Contains(Categories, name)
}
