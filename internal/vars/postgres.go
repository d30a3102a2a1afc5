package vars

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dshills/pgnodes/internal/logging"
)

// Node families of the PostgreSQL source tree. Each name is also the suffix
// of its NodeTag ("Var" is tagged T_Var).
var (
	exprNodes = []string{
		"Var", "Const", "Param", "Aggref", "GroupingFunc", "WindowFunc",
		"SubscriptingRef", "FuncExpr", "NamedArgExpr", "OpExpr", "DistinctExpr",
		"NullIfExpr", "ScalarArrayOpExpr", "BoolExpr", "SubLink", "SubPlan",
		"AlternativeSubPlan", "FieldSelect", "FieldStore", "RelabelType",
		"CoerceViaIO", "ArrayCoerceExpr", "ConvertRowtypeExpr", "CollateExpr",
		"CaseExpr", "CaseWhen", "CaseTestExpr", "ArrayExpr", "RowExpr",
		"RowCompareExpr", "CoalesceExpr", "MinMaxExpr", "SQLValueFunction",
		"XmlExpr", "NullTest", "BooleanTest", "CoerceToDomain",
		"CoerceToDomainValue", "SetToDefault", "CurrentOfExpr", "NextValueExpr",
		"InferenceElem", "TargetEntry", "PlaceHolderVar",
	}

	primNodes = []string{
		"Alias", "RangeVar", "TableFunc", "IntoClause", "RangeTblRef",
		"JoinExpr", "FromExpr", "OnConflictExpr",
	}

	parseNodes = []string{
		"Query", "RawStmt", "SelectStmt", "InsertStmt", "UpdateStmt",
		"DeleteStmt", "MergeStmt", "A_Expr", "ColumnRef", "ParamRef", "A_Const",
		"FuncCall", "A_Star", "A_Indices", "A_Indirection", "A_ArrayExpr",
		"ResTarget", "MultiAssignRef", "TypeCast", "CollateClause", "SortBy",
		"WindowDef", "RangeSubselect", "RangeFunction", "TypeName", "ColumnDef",
		"Constraint", "RangeTblEntry", "RangeTblFunction", "SortGroupClause",
		"GroupingSet", "WindowClause", "RowMarkClause", "WithClause",
		"CommonTableExpr", "OnConflictClause", "CreateStmt", "IndexStmt",
		"ExplainStmt", "ViewStmt", "VariableSetStmt", "TransactionStmt",
	}

	pathNodes = []string{
		"Path", "IndexPath", "BitmapHeapPath", "BitmapAndPath", "BitmapOrPath",
		"TidPath", "TidRangePath", "SubqueryScanPath", "ForeignPath",
		"CustomPath", "AppendPath", "MergeAppendPath", "GroupResultPath",
		"MaterialPath", "MemoizePath", "UniquePath", "GatherPath",
		"GatherMergePath", "NestPath", "MergePath", "HashPath",
		"ProjectionPath", "ProjectSetPath", "SortPath", "IncrementalSortPath",
		"GroupPath", "UpperUniquePath", "AggPath", "GroupingSetsPath",
		"MinMaxAggPath", "WindowAggPath", "SetOpPath", "RecursiveUnionPath",
		"LockRowsPath", "ModifyTablePath", "LimitPath",
	}

	plannerNodes = []string{
		"PlannerGlobal", "PlannerInfo", "RelOptInfo", "IndexOptInfo",
		"ForeignKeyOptInfo", "EquivalenceClass", "EquivalenceMember", "PathKey",
		"PathTarget", "ParamPathInfo", "RestrictInfo", "SpecialJoinInfo",
		"AppendRelInfo", "PlaceHolderInfo", "MinMaxAggInfo",
	}

	planNodes = []string{
		"Result", "ProjectSet", "ModifyTable", "Append", "MergeAppend",
		"RecursiveUnion", "BitmapAnd", "BitmapOr", "SeqScan", "SampleScan",
		"IndexScan", "IndexOnlyScan", "BitmapIndexScan", "BitmapHeapScan",
		"TidScan", "TidRangeScan", "SubqueryScan", "FunctionScan", "ValuesScan",
		"TableFuncScan", "CteScan", "NamedTuplestoreScan", "WorkTableScan",
		"ForeignScan", "CustomScan", "NestLoop", "MergeJoin", "HashJoin",
		"Material", "Memoize", "Sort", "IncrementalSort", "Group", "Agg",
		"WindowAgg", "Unique", "Gather", "GatherMerge", "Hash", "SetOp",
		"LockRows", "Limit",
	}

	miscNodes = []string{
		"PlannedStmt", "PlanRowMark", "PlanInvalItem", "NestLoopParam",
		"Integer", "Float", "Boolean", "String", "BitString", "Bitmapset",
		"EState",
	}

	listTags = []string{"T_List", "T_IntList", "T_OidList", "T_XidList"}
)

// ExprTypes returns the expression node types, the ones an expression
// formatter can describe.
func ExprTypes() []string {
	return append([]string(nil), exprNodes...)
}

func tagTable(families ...[]string) map[string]string {
	tags := make(map[string]string)
	for _, family := range families {
		for _, name := range family {
			tags["T_"+name] = name
		}
	}
	return tags
}

// PostgresRules returns the type rules of a PostgreSQL backend.
func PostgresRules() []Rule {
	nodeTags := tagTable(exprNodes, primNodes, parseNodes, pathNodes, plannerNodes, planNodes, miscNodes)
	for _, t := range listTags {
		nodeTags[t] = "List"
	}

	return []Rule{
		{Type: "Node", Kind: Tagged, Discriminator: "type", Tags: nodeTags},
		{Type: "Expr", Kind: Tagged, Discriminator: "type", Tags: tagTable(exprNodes)},
		{Type: "Plan", Kind: Tagged, Discriminator: "type", Tags: tagTable(planNodes)},
		{Type: "Path", Kind: Tagged, Discriminator: "type", Tags: tagTable(pathNodes)},
		{
			Type: "List",
			Kind: List,
			List: &ListLayout{
				Length:   "length",
				Elements: "elements",
				Tag:      "type",
				Cells: map[string]string{
					"T_IntList": "int_value",
					"T_OidList": "oid_value",
					"T_XidList": "xid_value",
				},
				DefaultCell: "ptr_value",
				ElementType: "Node *",
			},
		},
		{Type: "Bitmapset", Kind: Special, Children: BitmapsetMembers},
	}
}

// PostgresAliases returns the typedefs of PostgreSQL pointer and struct
// types, alias first.
func PostgresAliases() [][2]string {
	return [][2]string{
		{"Relids", "Bitmapset"},
		{"MemoryContext", "MemoryContextData"},
		{"TupleDesc", "TupleDescData"},
		{"Relation", "RelationData"},
		{"PartitionScheme", "PartitionSchemeData"},
	}
}

// PostgresMembers returns the special member rules of a PostgreSQL backend.
func PostgresMembers() []MemberRule {
	array := func(typ, member, length string) MemberRule {
		return MemberRule{Type: typ, Member: member, Kind: MemberArray, LengthExpr: length}
	}

	return []MemberRule{
		array("PlannerInfo", "simple_rel_array", "simple_rel_array_size"),
		array("PlannerInfo", "simple_rte_array", "simple_rel_array_size"),
		array("PlannerInfo", "append_rel_array", "simple_rel_array_size"),
		array("PlannerInfo", "placeholder_array", "placeholder_array_size"),
		array("RelOptInfo", "part_rels", "nparts"),
		array("RelOptInfo", "partexprs", "{}->part_scheme->partnatts"),
		array("RelOptInfo", "nullable_partexprs", "{}->part_scheme->partnatts"),
		array("IndexOptInfo", "indexkeys", "ncolumns"),
		array("IndexOptInfo", "indexcollations", "nkeycolumns"),
		array("IndexOptInfo", "opfamily", "nkeycolumns"),
		array("IndexOptInfo", "opcintype", "nkeycolumns"),
		array("IndexOptInfo", "sortopfamily", "nkeycolumns"),
		array("IndexOptInfo", "reverse_sort", "nkeycolumns"),
		array("IndexOptInfo", "nulls_first", "nkeycolumns"),
		array("IndexOptInfo", "canreturn", "ncolumns"),
		array("ForeignKeyOptInfo", "conkey", "nkeys"),
		array("ForeignKeyOptInfo", "confkey", "nkeys"),
		array("ForeignKeyOptInfo", "conpfeqop", "nkeys"),
		array("PartitionSchemeData", "partopfamily", "partnatts"),
		array("PartitionSchemeData", "partopcintype", "partnatts"),
		array("PartitionSchemeData", "partcollation", "partnatts"),
		array("PathTarget", "sortgrouprefs", "list_length({}->exprs)"),
		array("EState", "es_range_table_array", "es_range_table_size"),
		array("EState", "es_result_relations", "es_range_table_size"),
		array("EState", "es_rowmarks", "es_range_table_size"),
		array("AppendState", "appendplans", "as_nplans"),
		array("MergeAppendState", "mergeplans", "ms_nplans"),
		array("TupleDescData", "attrs", "natts"),
		{Type: "MemoryContextData", Member: "firstchild", Kind: MemberChain, Next: "nextchild"},
	}
}

// RegisterPostgres registers the PostgreSQL defaults. Rejected entries are
// logged and skipped.
func RegisterPostgres(nodes *NodeVarRegistry, members *SpecialMemberRegistry, log logging.Logger) {
	if log == nil {
		log = logging.Discard
	}
	for _, a := range PostgresAliases() {
		if err := nodes.Alias(a[0], a[1]); err != nil {
			log.Warn("skipping alias %s: %v", a[0], err)
		}
	}
	nodes.RegisterAll(log, PostgresRules()...)
	members.RegisterAll(log, PostgresMembers()...)
}

// BitmapsetMembers enumerates the members of a Bitmapset with
// bms_next_member.
func BitmapsetMembers(ctx context.Context, x *Expander, n *Node) ([]*Node, error) {
	var out []*Node
	prev := -1
	for i := 0; i < x.Limit(); i++ {
		expr := fmt.Sprintf("bms_next_member((Bitmapset *)(%s), %d)", n.Var.Expr, prev)
		v, err := x.Evaluator().Evaluate(ctx, expr, n.Var.Frame)
		if err != nil {
			return nil, err
		}

		fields := strings.Fields(v.Value)
		if len(fields) == 0 {
			return nil, fmt.Errorf("bms_next_member returned %q", v.Value)
		}
		member, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("parse bms_next_member result %q: %w", v.Value, err)
		}
		if member < 0 {
			break
		}

		v.Name = fmt.Sprintf("[%d]", i)
		out = append(out, &Node{Name: v.Name, Var: v, Kind: Scalar, Type: "int"})
		prev = member
	}
	return out, nil
}
